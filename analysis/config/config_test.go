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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := NewDefault()
	if cfg.LogLevel != int(InfoLevel) {
		t.Errorf("default log-level should be info, got %d", cfg.LogLevel)
	}
	if cfg.EscapeAnalysisLoopCutoff != 4 || cfg.MaxLoopIterations != 10 || cfg.MaxVirtualObjects != 100 {
		t.Errorf("unexpected defaults: %+v", cfg.Options)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("the default config must validate: %v", err)
	}
	if cfg.SourceFile() != "" {
		t.Errorf("a default config has no source file, got %q", cfg.SourceFile())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "log-level: 4\nmax-loop-iterations: 3\nmax-virtual-objects: 7\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != 4 || cfg.MaxLoopIterations != 3 || cfg.MaxVirtualObjects != 7 {
		t.Errorf("overrides not applied: %+v", cfg.Options)
	}
	// untouched options keep their defaults
	if cfg.EscapeAnalysisLoopCutoff != 4 {
		t.Errorf("expected the loop cutoff default, got %d", cfg.EscapeAnalysisLoopCutoff)
	}
	if cfg.SourceFile() != path {
		t.Errorf("expected source file %q, got %q", path, cfg.SourceFile())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for _, content := range []string{
		"log-level: 9\n",
		"max-loop-iterations: 0\n",
		"escape-analysis-loop-cutoff: -1\n",
		"max-virtual-objects: 0\n",
	} {
		path := writeConfig(t, content)
		if _, err := Load(path); err == nil {
			t.Errorf("expected %q to be rejected", content)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Errorf("expected an error for a missing file")
	}
}

func TestLoadBadYaml(t *testing.T) {
	path := writeConfig(t, "log-level: [not an int\n")
	if _, err := Load(path); err == nil {
		t.Errorf("expected an error for malformed yaml")
	}
}

func TestLogGroupLevels(t *testing.T) {
	cfg := NewDefault()
	cfg.LogLevel = int(InfoLevel)
	log := NewLogGroup(cfg)
	if log.LogsDebug() || log.LogsTrace() {
		t.Errorf("info level must not log debug or trace")
	}
	cfg.LogLevel = int(TraceLevel)
	log = NewLogGroup(cfg)
	if !log.LogsDebug() || !log.LogsTrace() {
		t.Errorf("trace level must log debug and trace")
	}
}
