// Package config holds the settings structure consumed by the crash handler
// and the backtracer launcher, together with its on-disk YAML form.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".crashcatch"
	configFile string = "config.yml"
)

// LoadConfig attempts to populate an Options object from the config.yml
// file. Missing or unreadable configuration falls back to the defaults.
func LoadConfig() *Options {
	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return Defaults()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return Defaults()
	}

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		return Defaults()
	}

	opts := Defaults()
	err = yaml.Unmarshal(data, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to decode config file: %v.\n", err)
		return Defaults()
	}

	return opts
}

// SaveConfig will marshal and save the options struct to disk.
func SaveConfig(opts *Options) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*opts)
	if err != nil {
		return err
	}

	return os.WriteFile(fullConfigFile, out, 0644)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(fname string) (string, error) {
	if configPath := os.Getenv("CRASHCATCH_CONFIG_PATH"); configPath != "" {
		return path.Join(configPath, fname), nil
	}
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return path.Join(usr.HomeDir, configDir, fname), nil
}

// createConfigPath creates the directory structure at which all config files
// are saved.
func createConfigPath() error {
	if configPath := os.Getenv("CRASHCATCH_CONFIG_PATH"); configPath != "" {
		return os.MkdirAll(configPath, 0700)
	}
	usr, err := user.Current()
	if err != nil {
		return err
	}
	return os.MkdirAll(path.Join(usr.HomeDir, configDir), 0700)
}
