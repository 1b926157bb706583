package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AppName is the name of the application.
const AppName = "usbforge"

// Defaults are the install parameters an operator usually does not want to
// repeat on every invocation. Flags override environment variables, which
// override the config file, which overrides these built-ins.
type Defaults struct {
	Hostname string `yaml:"hostname"`
	Username string `yaml:"username"`
	Timezone string `yaml:"timezone"`
	Locale   string `yaml:"locale"`
	Keymap   string `yaml:"keymap"`
	// Mirror is the base URL the Arch bootstrap archive is fetched from.
	Mirror string `yaml:"mirror"`
	// SharePackageCache reuses the app-wide package cache across runs instead
	// of a private per-run cache. Off by default: a poisoned shared cache can
	// quietly break every later install.
	SharePackageCache bool `yaml:"share_package_cache"`
}

// Config holds the application's configuration.
type Config struct {
	homeDir  string
	Defaults Defaults
}

// New creates a new Config instance, layering the optional YAML defaults file
// over the built-ins.
var New = func() (*Config, error) {
	var home string
	var err error

	// Check for the override environment variable first.
	// This is useful for testing.
	homeOverride := os.Getenv("USBFORGE_HOME")
	if homeOverride != "" {
		home = homeOverride
	} else {
		home, err = os.UserHomeDir()
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{homeDir: home, Defaults: builtinDefaults()}
	if err := cfg.loadDefaultsFile(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func builtinDefaults() Defaults {
	return Defaults{
		Hostname: "usbforge",
		Username: "user",
		Timezone: "UTC",
		Locale:   "en_US.UTF-8",
		Keymap:   "us",
		Mirror:   "https://geo.mirror.pkgbuild.com",
	}
}

func (c *Config) loadDefaultsFile() error {
	data, err := os.ReadFile(filepath.Join(c.GetAppDir(), "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, &c.Defaults)
}

// SetHomeDir sets the application's home directory.
func (c *Config) SetHomeDir(dir string) {
	c.homeDir = dir
}

// GetAppDir returns the path to the application's hidden directory.
func (c *Config) GetAppDir() string {
	return filepath.Join(c.homeDir, "."+AppName)
}

// GetCacheDir returns the on-disk cache for downloaded archives and package
// caches. Purely an optimization: removing it only costs run time.
func (c *Config) GetCacheDir() string {
	return filepath.Join(c.GetAppDir(), "cache")
}

// GetLogDir returns the directory holding run logs.
func (c *Config) GetLogDir() string {
	return filepath.Join(c.GetAppDir(), "logs")
}

// GetWorkDir returns the scratch area where per-run workspaces are created.
func (c *Config) GetWorkDir() string {
	return filepath.Join(c.GetAppDir(), "work")
}

// EnvDefault returns the value of an environment variable, or fallback when it
// is unset or empty. Used to give flags operator-configurable defaults.
func EnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
