// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package install

import (
	"bytes"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the installer configuration.
type Config struct {
	// ESP is the mount point of the EFI system partition.
	ESP string `yaml:"esp"`

	// OSName is the distribution name used in boot menu titles.
	OSName string `yaml:"osName"`

	// Loader holds global loader settings passed through to loader.conf.
	Loader LoaderConfig `yaml:"loader"`

	// Concurrency bounds parallel generation installs; digesting and signing
	// of independent generations is stateless and safe to parallelize.
	Concurrency int `yaml:"concurrency"`
}

// LoaderConfig is written verbatim into loader/loader.conf.
type LoaderConfig struct {
	// Timeout of the boot menu in seconds; nil leaves the loader default.
	Timeout *int `yaml:"timeout"`
	// ConsoleMode selects the loader console resolution.
	ConsoleMode string `yaml:"consoleMode"`
	// Default is the glob of the default boot entry.
	Default string `yaml:"default"`
}

// DefaultConfig returns the configuration used when no config file is given.
func DefaultConfig() *Config {
	return &Config{
		ESP:         "/boot",
		OSName:      "Linux",
		Concurrency: runtime.GOMAXPROCS(0),
	}
}

// LoadConfig reads the installer configuration, rejecting unknown fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}

	return cfg, nil
}

// Render produces the loader.conf contents; empty when nothing is configured.
func (c LoaderConfig) Render() []byte {
	var buf bytes.Buffer

	if c.Timeout != nil {
		fmt.Fprintf(&buf, "timeout %d\n", *c.Timeout)
	}

	if c.ConsoleMode != "" {
		fmt.Fprintf(&buf, "console-mode %s\n", c.ConsoleMode)
	}

	if c.Default != "" {
		fmt.Fprintf(&buf, "default %s\n", c.Default)
	}

	return buf.Bytes()
}
