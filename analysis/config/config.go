// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides the configuration and logging facilities shared by the
// analyses in this repository.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	// The global config file
	configFile string
)

// SetGlobalConfig sets the global config filename
func SetGlobalConfig(filename string) {
	configFile = filename
}

// LoadGlobal loads the config file that has been set by SetGlobalConfig
func LoadGlobal() (*Config, error) {
	return Load(configFile)
}

// Config holds the options of the escape analysis engine.
// If some field is not defined in the config file, it will be empty/zero in the struct.
type Config struct {
	Options `yaml:",inline"`

	sourceFile string
}

// Options are the options that control the fixed-point engine. The names mirror the
// option names used by the engine's diagnostics.
type Options struct {
	// LogLevel controls the verbosity of the analysis (see LogLevel constants)
	LogLevel int `yaml:"log-level"`

	// TraceEscapeAnalysis enables the per-block tracing callbacks. This is not
	// behaviorally load-bearing; it only affects diagnostics output.
	TraceEscapeAnalysis bool `yaml:"trace-escape-analysis"`

	// EscapeAnalysisLoopCutoff is the loop nesting depth beyond which the engine
	// snapshots its state before outermost loops so that it can recover from
	// exponential re-processing of nested loops.
	EscapeAnalysisLoopCutoff int `yaml:"escape-analysis-loop-cutoff"`

	// MaxLoopIterations bounds the number of fixed-point iterations per loop.
	MaxLoopIterations int `yaml:"max-loop-iterations"`

	// MaxVirtualObjects bounds the number of allocations tracked as virtual in
	// one abstract state before the analysis falls back to materializing
	// everything.
	MaxVirtualObjects int `yaml:"max-virtual-objects"`
}

// NewDefault returns a new config with default options.
func NewDefault() *Config {
	return &Config{Options: defaultOptions()}
}

func defaultOptions() Options {
	return Options{
		LogLevel:                 int(InfoLevel),
		TraceEscapeAnalysis:      false,
		EscapeAnalysisLoopCutoff: 4,
		MaxLoopIterations:        10,
		MaxVirtualObjects:        100,
	}
}

// Load reads a config from the file specified. Returns an error if the file cannot be
// read or the yaml cannot be unmarshalled.
func Load(filename string) (*Config, error) {
	cfg := NewDefault()
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %q: %w", filename, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config file %q: %w", filename, err)
	}
	cfg.sourceFile = filename
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SourceFile returns the file the config was loaded from, or "" for a default config.
func (c *Config) SourceFile() string {
	return c.sourceFile
}

// Validate checks that the option values are in their valid ranges.
func (c *Config) Validate() error {
	if c.LogLevel < int(ErrLevel) || c.LogLevel > int(TraceLevel) {
		return fmt.Errorf("log-level must be between %d and %d, got %d", ErrLevel, TraceLevel, c.LogLevel)
	}
	if c.EscapeAnalysisLoopCutoff < 1 {
		return fmt.Errorf("escape-analysis-loop-cutoff must be at least 1, got %d", c.EscapeAnalysisLoopCutoff)
	}
	if c.MaxLoopIterations < 1 {
		return fmt.Errorf("max-loop-iterations must be at least 1, got %d", c.MaxLoopIterations)
	}
	if c.MaxVirtualObjects < 1 {
		return fmt.Errorf("max-virtual-objects must be at least 1, got %d", c.MaxVirtualObjects)
	}
	return nil
}
