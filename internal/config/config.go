// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package config holds the driver configuration: defaults, an optional
// YAML file, and helpers for the values that need parsing. Command-line
// flags are parsed in the cmds and override anything loaded here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mktreplay/internal/affinity"
)

// Config is the single-process driver configuration.
type Config struct {
	// Mode selects the run mode: test, recovery_test or stress.
	Mode string `yaml:"mode"`
	// Messages is the total message count.
	Messages int64 `yaml:"messages"`
	// Rate is the target send rate per second.
	Rate int64 `yaml:"rate"`
	// FaultAt is the sequence at which recovery_test injects a crash;
	// negative means "half of Messages".
	FaultAt int64 `yaml:"fault_at"`
	// DataDir is where the date-stamped output file lands.
	DataDir string `yaml:"data_dir"`
	// Output overrides DataDir with an explicit file path.
	Output string `yaml:"output"`
	// CPU is a comma-separated core list in slot order
	// main,producer,aggregator,recorder; unspecified slots stay unpinned.
	CPU string `yaml:"cpu"`
	// MetricsAddr, when non-empty, serves Prometheus metrics on that
	// address (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Mode:     "test",
		Messages: 10000,
		Rate:     1000,
		FaultAt:  -1,
		DataDir:  "data",
	}
}

// LoadFile reads a YAML config file over the defaults.
func LoadFile(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// OutputPath resolves the output file: Output verbatim when set, otherwise
// DataDir/mktdata_YYYYMMDD.bin stamped with the local date.
func (c Config) OutputPath(now time.Time) string {
	if c.Output != "" {
		return c.Output
	}
	return filepath.Join(c.DataDir, fmt.Sprintf("mktdata_%s.bin", now.Format("20060102")))
}

// CPUSlots carries one core per pipeline thread; affinity.Unset slots are
// left unpinned.
type CPUSlots struct {
	Main       int
	Producer   int
	Aggregator int
	Recorder   int
}

// ParseCPUList parses a comma-separated core list in slot order
// main,producer,aggregator,recorder. Fewer entries leave the remaining
// slots unpinned; empty entries are unpinned too.
func ParseCPUList(s string) (CPUSlots, error) {
	slots := CPUSlots{
		Main:       affinity.Unset,
		Producer:   affinity.Unset,
		Aggregator: affinity.Unset,
		Recorder:   affinity.Unset,
	}
	if strings.TrimSpace(s) == "" {
		return slots, nil
	}
	out := []*int{&slots.Main, &slots.Producer, &slots.Aggregator, &slots.Recorder}
	for i, tok := range strings.Split(s, ",") {
		if i >= len(out) {
			break
		}
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		core, err := strconv.Atoi(tok)
		if err != nil {
			return slots, fmt.Errorf("config: bad cpu list %q: %w", s, err)
		}
		*out[i] = core
	}
	return slots, nil
}
