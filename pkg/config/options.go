package config

import (
	"fmt"
	"time"

	"github.com/cosiner/argv"
	isatty "github.com/mattn/go-isatty"
)

// UnwindAlgorithm selects the stack unwinding algorithm used by the
// backtracer.
type UnwindAlgorithm int

const (
	UnwindPrecise UnwindAlgorithm = iota
	UnwindFast
)

func (a UnwindAlgorithm) String() string {
	switch a {
	case UnwindFast:
		return "fast"
	default:
		return "precise"
	}
}

// ParseUnwindAlgorithm parses the textual form of an UnwindAlgorithm.
func ParseUnwindAlgorithm(s string) (UnwindAlgorithm, error) {
	switch s {
	case "fast":
		return UnwindFast, nil
	case "precise":
		return UnwindPrecise, nil
	}
	return UnwindPrecise, fmt.Errorf("invalid unwind algorithm %q", s)
}

// OnOffTty is a three-state boolean: on, off, or "decide based on whether
// output goes to a terminal".
type OnOffTty int

const (
	Tty OnOffTty = iota
	On
	Off
)

func (o OnOffTty) String() string {
	switch o {
	case On:
		return "on"
	case Off:
		return "off"
	default:
		return "tty"
	}
}

// ParseOnOffTty parses the textual form of an OnOffTty.
func ParseOnOffTty(s string) (OnOffTty, error) {
	switch s {
	case "on", "true", "yes":
		return On, nil
	case "off", "false", "no":
		return Off, nil
	case "tty", "auto":
		return Tty, nil
	}
	return Tty, fmt.Errorf("invalid on/off/tty value %q", s)
}

// Resolve collapses Tty into On or Off depending on whether fd refers to a
// terminal.
func (o OnOffTty) Resolve(fd uintptr) OnOffTty {
	if o != Tty {
		return o
	}
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return On
	}
	return Off
}

// ThreadsToShow selects which threads the backtracer should display.
type ThreadsToShow int

const (
	ThreadsPreset ThreadsToShow = iota
	ThreadsAll
	ThreadsCrashed
)

func (t ThreadsToShow) String() string {
	switch t {
	case ThreadsAll:
		return "all"
	case ThreadsCrashed:
		return "crashed"
	default:
		return "preset"
	}
}

// ParseThreadsToShow parses the textual form of a ThreadsToShow.
func ParseThreadsToShow(s string) (ThreadsToShow, error) {
	switch s {
	case "preset":
		return ThreadsPreset, nil
	case "all":
		return ThreadsAll, nil
	case "crashed":
		return ThreadsCrashed, nil
	}
	return ThreadsPreset, fmt.Errorf("invalid threads value %q", s)
}

// RegistersToShow selects which register sets the backtracer should display.
type RegistersToShow int

const (
	RegistersPreset RegistersToShow = iota
	RegistersNone
	RegistersAll
	RegistersCrashed
)

func (r RegistersToShow) String() string {
	switch r {
	case RegistersNone:
		return "none"
	case RegistersAll:
		return "all"
	case RegistersCrashed:
		return "crashed"
	default:
		return "preset"
	}
}

// ParseRegistersToShow parses the textual form of a RegistersToShow.
func ParseRegistersToShow(s string) (RegistersToShow, error) {
	switch s {
	case "preset":
		return RegistersPreset, nil
	case "none":
		return RegistersNone, nil
	case "all":
		return RegistersAll, nil
	case "crashed":
		return RegistersCrashed, nil
	}
	return RegistersPreset, fmt.Errorf("invalid registers value %q", s)
}

// ImagesToShow selects which loaded images the backtracer should list.
type ImagesToShow int

const (
	ImagesPreset ImagesToShow = iota
	ImagesNone
	ImagesAll
	ImagesMentioned
)

func (i ImagesToShow) String() string {
	switch i {
	case ImagesNone:
		return "none"
	case ImagesAll:
		return "all"
	case ImagesMentioned:
		return "mentioned"
	default:
		return "preset"
	}
}

// ParseImagesToShow parses the textual form of an ImagesToShow.
func ParseImagesToShow(s string) (ImagesToShow, error) {
	switch s {
	case "preset":
		return ImagesPreset, nil
	case "none":
		return ImagesNone, nil
	case "all":
		return ImagesAll, nil
	case "mentioned":
		return ImagesMentioned, nil
	}
	return ImagesPreset, fmt.Errorf("invalid images value %q", s)
}

// Preset selects the overall report verbosity preset.
type Preset int

const (
	PresetFriendly Preset = iota
	PresetMedium
	PresetFull
)

func (p Preset) String() string {
	switch p {
	case PresetFriendly:
		return "friendly"
	case PresetMedium:
		return "medium"
	default:
		return "full"
	}
}

// ParsePreset parses the textual form of a Preset.
func ParsePreset(s string) (Preset, error) {
	switch s {
	case "friendly":
		return PresetFriendly, nil
	case "medium":
		return PresetMedium, nil
	case "full":
		return PresetFull, nil
	}
	return PresetFriendly, fmt.Errorf("invalid preset %q", s)
}

// SanitizePaths controls whether the backtracer strips personal information
// from paths in the report.
type SanitizePaths int

const (
	SanitizePreset SanitizePaths = iota
	SanitizeOn
	SanitizeOff
)

func (s SanitizePaths) String() string {
	switch s {
	case SanitizeOn:
		return "true"
	case SanitizeOff:
		return "false"
	default:
		return "preset"
	}
}

// ParseSanitizePaths parses the textual form of a SanitizePaths.
func ParseSanitizePaths(str string) (SanitizePaths, error) {
	switch str {
	case "preset":
		return SanitizePreset, nil
	case "true", "on":
		return SanitizeOn, nil
	case "false", "off":
		return SanitizeOff, nil
	}
	return SanitizePreset, fmt.Errorf("invalid sanitize value %q", str)
}

// OutputTo selects the stream the backtracer writes its report to.
type OutputTo int

const (
	OutputToStdout OutputTo = iota
	OutputToStderr
)

func (o OutputTo) String() string {
	switch o {
	case OutputToStderr:
		return "stderr"
	default:
		return "stdout"
	}
}

// ParseOutputTo parses the textual form of an OutputTo.
func ParseOutputTo(s string) (OutputTo, error) {
	switch s {
	case "stdout":
		return OutputToStdout, nil
	case "stderr":
		return OutputToStderr, nil
	}
	return OutputToStdout, fmt.Errorf("invalid output-to value %q", s)
}

// DefaultSuspendTimeout is how long the crash handler waits for the other
// threads of the process to reach their pause point.
const DefaultSuspendTimeout = 5 * time.Second

// Options is the resolved settings structure consumed by the crash handler
// and the backtracer launcher.
type Options struct {
	// BacktracerPath is the executable invoked to render the crash report.
	BacktracerPath string `yaml:"backtracer-path"`

	Unwind      UnwindAlgorithm `yaml:"unwind"`
	Demangle    bool            `yaml:"demangle"`
	Interactive OnOffTty        `yaml:"interactive"`
	Color       OnOffTty        `yaml:"color"`

	// Timeout, in seconds, that the backtracer may spend rendering.
	Timeout uint `yaml:"timeout"`

	Preset    Preset          `yaml:"preset"`
	Threads   ThreadsToShow   `yaml:"threads"`
	Registers RegistersToShow `yaml:"registers"`
	Images    ImagesToShow    `yaml:"images"`

	// Limit is the maximum number of frames per backtrace; negative means
	// unlimited.
	Limit int `yaml:"limit"`
	// Top is the number of frames to show from the top of the stack when
	// the limit truncates a backtrace.
	Top uint `yaml:"top"`

	Sanitize SanitizePaths `yaml:"sanitize"`
	Cache    bool          `yaml:"cache"`
	OutputTo OutputTo      `yaml:"output-to"`

	// MemserverProcess runs the memory server as a separate process instead
	// of a thread of the crashing process.
	MemserverProcess bool `yaml:"memserver-process"`

	// ExtraArgs is a shell-quoted string of additional arguments appended
	// to the backtracer command line.
	ExtraArgs string `yaml:"extra-args"`
}

// Defaults returns the default options.
func Defaults() *Options {
	return &Options{
		BacktracerPath: "crashcatch-backtrace",
		Unwind:         UnwindPrecise,
		Demangle:       true,
		Interactive:    Tty,
		Color:          Tty,
		Timeout:        30,
		Preset:         PresetFriendly,
		Threads:        ThreadsPreset,
		Registers:      RegistersPreset,
		Images:         ImagesPreset,
		Limit:          64,
		Top:            16,
		Sanitize:       SanitizePreset,
		Cache:          true,
		OutputTo:       OutputToStdout,
	}
}

// Validate checks that the options are internally consistent.
func (o *Options) Validate() error {
	if o.BacktracerPath == "" {
		return fmt.Errorf("backtracer-path must not be empty")
	}
	if _, err := o.ExtraArgv(); err != nil {
		return err
	}
	return nil
}

// ExtraArgv splits ExtraArgs into an argument vector. Backticks are not
// supported.
func (o *Options) ExtraArgv() ([]string, error) {
	if o.ExtraArgs == "" {
		return nil, nil
	}
	v, err := argv.Argv(o.ExtraArgs,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in %q", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("extra-args must be a single command line")
	}
	return v[0], nil
}

// ResolveTTY collapses the Tty states of Color and Interactive against the
// given descriptor. The launcher requires options with these already
// resolved.
func (o *Options) ResolveTTY(fd uintptr) {
	o.Color = o.Color.Resolve(fd)
	o.Interactive = o.Interactive.Resolve(fd)
}
