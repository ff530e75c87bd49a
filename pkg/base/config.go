// Copyright 2026 The Keystone Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package base holds configuration shared by keystone commands and packages.
package base

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxActiveRecoveries bounds concurrent master recoveries.
	DefaultMaxActiveRecoveries = 1

	// DefaultMetricsAddr is where the coordinator serves Prometheus
	// metrics.
	DefaultMetricsAddr = ":8080"
)

// Config collects the tunables of a coordinator.
type Config struct {
	// MaxActiveRecoveries bounds the number of master recoveries in
	// progress at once. At most one recovery per crashed server is active
	// regardless of this setting.
	MaxActiveRecoveries int `yaml:"max_active_recoveries"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogVerbosity enables trace-level logging at and below the given
	// level.
	LogVerbosity int32 `yaml:"log_verbosity"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxActiveRecoveries: DefaultMaxActiveRecoveries,
		MetricsAddr:         DefaultMetricsAddr,
	}
}

// LoadConfig reads a YAML config file, applying defaults for unset fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "cannot read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "cannot parse config %s", path)
	}
	if cfg.MaxActiveRecoveries <= 0 {
		cfg.MaxActiveRecoveries = DefaultMaxActiveRecoveries
	}
	return cfg, nil
}
