// Package logflags configures logging for the individual components of
// crashcatch. Each component has a boolean flag; disabled components get a
// logger muted at PanicLevel so call sites never need nil checks.
package logflags

import (
	"errors"
	"io"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var crashHandler = false
var memServer = false
var launcher = false

var logOut io.Writer

// SetOutput redirects all component loggers created after this call.
func SetOutput(w io.Writer) {
	logOut = w
}

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Formatter = &logrus.TextFormatter{DisableColors: true}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	return logger
}

// CrashHandler returns true if the crash handler should log.
func CrashHandler() bool {
	return crashHandler
}

// CrashHandlerLogger returns a logger for the crash handler.
func CrashHandlerLogger() *logrus.Entry {
	return makeLogger(crashHandler, logrus.Fields{"layer": "crash"})
}

// MemServer returns true if the memory server should log.
func MemServer() bool {
	return memServer
}

// MemServerLogger returns a logger for the memory server.
func MemServerLogger() *logrus.Entry {
	return makeLogger(memServer, logrus.Fields{"layer": "memserver"})
}

// Launcher returns true if the backtracer launcher should log.
func Launcher() bool {
	return launcher
}

// LauncherLogger returns a logger for the backtracer launcher.
func LauncherLogger() *logrus.Entry {
	return makeLogger(launcher, logrus.Fields{"layer": "launcher"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the component logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "crash"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "crash":
			crashHandler = true
		case "memserver":
			memServer = true
		case "launcher":
			launcher = true
		default:
			return errors.New("unknown log output value " + logcmd)
		}
	}
	return nil
}
