package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config of the proxy binary.
// Values are read from the config file, then from NETFIRST_* environment
// variables, then from explicitly set flags; later sources win.
type Config struct {
	Origin             string        `yaml:"origin" env:"NETFIRST_ORIGIN"`
	Host               string        `yaml:"host" env:"NETFIRST_HOST"`
	Port               int           `yaml:"port" env:"NETFIRST_PORT"`
	DB                 string        `yaml:"db" env:"NETFIRST_DB"`
	Manifest           string        `yaml:"manifest" env:"NETFIRST_MANIFEST"`
	FetchTimeout       time.Duration `yaml:"fetchTimeout" env:"NETFIRST_FETCH_TIMEOUT"`
	DisableSkipWaiting bool          `yaml:"disableSkipWaiting" env:"NETFIRST_DISABLE_SKIP_WAITING"`
	// Additional automated agent signatures, on top of the built-in ones.
	Agents []string `yaml:"agents" env:"NETFIRST_AGENTS" envSeparator:","`
}

func defaultConfig() Config {
	return Config{
		Port:         8080,
		DB:           "cache.db",
		Manifest:     "manifest.yaml",
		FetchTimeout: 10 * time.Second,
	}
}

// getConfig loads the defaults, the config file (if any) and the environment.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("config file %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// applyFlags overrides the config with the flags that were set on the command line.
func applyFlags(config *Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = originFlag
		case "host":
			config.Host = hostFlag
		case "port":
			config.Port = portFlag
		case "db":
			config.DB = dbFilenameFlag
		case "manifest":
			config.Manifest = manifestFlag
		case "timeout":
			config.FetchTimeout = fetchTimeoutFlag
		case "wait":
			config.DisableSkipWaiting = waitFlag
		}
	})
}
