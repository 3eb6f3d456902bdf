// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alexandremahdhaoui/easy-qemu/internal/macro"
	"github.com/alexandremahdhaoui/easy-qemu/internal/prepare"
	"github.com/alexandremahdhaoui/easy-qemu/internal/state"
	"github.com/alexandremahdhaoui/easy-qemu/internal/util/logging"
	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "EASY_QEMU_CONFIG_PATH"

	envDevMode         = "EASY_QEMU_DEV_MODE"
	envRuntimeBaseDir  = "EASY_QEMU_RUNTIME_BASE_DIR"
	envTapScriptDir    = "EASY_QEMU_TAP_SCRIPT_DIR"
	envTapTemplate     = "EASY_QEMU_TAP_TEMPLATE"
	envQemuImg         = "EASY_QEMU_QEMU_IMG"
	envPrependCmd      = "EASY_QEMU_PREPEND_CMD"
	envMaxPasses       = "EASY_QEMU_MAX_PASSES"
	envMetricsTextfile = "EASY_QEMU_METRICS_TEXTFILE"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the configuration for easy-qemu
type Config struct {
	// LogLevel is one of DEBUG, INFO, WARNING or ERROR
	LogLevel string `json:"logLevel"`

	// DevelopmentMode enables human-readable logs
	DevelopmentMode bool `json:"developmentMode"`

	// RuntimeBaseDir is the parent of the per-VM runtime directories
	RuntimeBaseDir string `json:"runtimeBaseDir"`

	// TapScriptDir receives the generated tap ifup scripts
	TapScriptDir string `json:"tapScriptDir"`

	// TapScriptTemplate is the ifup script customized for each tap
	TapScriptTemplate string `json:"tapScriptTemplate"`

	// QemuImg is the qemu-img executable
	QemuImg string `json:"qemuImg"`

	// PrependCmd runs provisioning tools behind a command such as ["sudo", "-n"]
	PrependCmd []string `json:"prependCmd,omitempty"`

	// Env is added to the environment of provisioning tools
	Env map[string]string `json:"env,omitempty"`

	// MaxPasses bounds macro expansion
	MaxPasses int `json:"maxPasses"`

	// MetricsTextfile is written with run statistics when set (e.g.
	// "/var/lib/node_exporter/textfile_collector/easy_qemu.prom")
	MetricsTextfile string `json:"metricsTextfile,omitempty"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:          "INFO",
		DevelopmentMode:   false,
		RuntimeBaseDir:    state.DefaultRuntimeBaseDir,
		TapScriptDir:      state.DefaultTapScriptDir,
		TapScriptTemplate: prepare.DefaultTapTemplatePath,
		QemuImg:           "qemu-img",
		MaxPasses:         macro.DefaultMaxPasses,
	}
}

// LoadConfig loads configuration from a YAML or JSON file path, then applies
// environment variable overrides. An empty configPath uses defaults.
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		if err := yaml.UnmarshalStrict(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return config, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config
func (c *Config) applyEnvironmentOverrides() error {
	if val := os.Getenv(logging.LevelEnv); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv(envDevMode); val != "" {
		c.DevelopmentMode = val == "true" || val == "1" || val == "yes"
	}
	if val := os.Getenv(envRuntimeBaseDir); val != "" {
		c.RuntimeBaseDir = val
	}
	if val := os.Getenv(envTapScriptDir); val != "" {
		c.TapScriptDir = val
	}
	if val := os.Getenv(envTapTemplate); val != "" {
		c.TapScriptTemplate = val
	}
	if val := os.Getenv(envQemuImg); val != "" {
		c.QemuImg = val
	}
	if val := os.Getenv(envPrependCmd); val != "" {
		c.PrependCmd = strings.Fields(val)
	}
	if val := os.Getenv(envMaxPasses); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", envMaxPasses, val)
		}
		c.MaxPasses = n
	}
	if val := os.Getenv(envMetricsTextfile); val != "" {
		c.MetricsTextfile = val
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if !filepath.IsAbs(c.RuntimeBaseDir) {
		errs = append(errs, fmt.Errorf("runtimeBaseDir must be an absolute path, got %q", c.RuntimeBaseDir))
	}

	if !filepath.IsAbs(c.TapScriptDir) {
		errs = append(errs, fmt.Errorf("tapScriptDir must be an absolute path, got %q", c.TapScriptDir))
	}

	if c.TapScriptTemplate == "" {
		errs = append(errs, errors.New("tapScriptTemplate cannot be empty"))
	}

	if c.QemuImg == "" {
		errs = append(errs, errors.New("qemuImg cannot be empty"))
	}

	if c.MaxPasses < 1 {
		errs = append(errs, fmt.Errorf("maxPasses must be positive, got %d", c.MaxPasses))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}
