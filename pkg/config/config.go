// Copyright 2024 The Flamelet Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var ErrEmptyConfig = errors.New("empty config")

// Config holds the reloadable part of the agent configuration: everything
// that can change without re-attaching the probe.
type Config struct {
	// KeepComms and IgnoreComms filter samples by process comm before they
	// are folded. When KeepComms is non-empty a comm must match one of its
	// expressions; IgnoreComms then drops matches. Expressions are anchored.
	KeepComms   []string `yaml:"keep_comms,omitempty"`
	IgnoreComms []string `yaml:"ignore_comms,omitempty"`

	// DebuginfoDirs are extra roots searched for split debug files, in
	// addition to the compiled-in defaults.
	DebuginfoDirs []string `yaml:"debuginfo_dirs,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Validate checks that every filter expression compiles.
func (c *Config) Validate() error {
	for _, expr := range append(append([]string{}, c.KeepComms...), c.IgnoreComms...) {
		if _, err := compileAnchored(expr); err != nil {
			return fmt.Errorf("invalid comm filter %q: %w", expr, err)
		}
	}
	return nil
}

// CommFilter compiles the keep/ignore expressions into a predicate over
// process comms. A nil config or one without expressions keeps everything.
func (c *Config) CommFilter() (func(comm string) bool, error) {
	if c == nil || (len(c.KeepComms) == 0 && len(c.IgnoreComms) == 0) {
		return func(string) bool { return true }, nil
	}

	compile := func(exprs []string) ([]*regexp.Regexp, error) {
		res := make([]*regexp.Regexp, 0, len(exprs))
		for _, expr := range exprs {
			re, err := compileAnchored(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid comm filter %q: %w", expr, err)
			}
			res = append(res, re)
		}
		return res, nil
	}

	keep, err := compile(c.KeepComms)
	if err != nil {
		return nil, err
	}
	ignore, err := compile(c.IgnoreComms)
	if err != nil {
		return nil, err
	}

	return func(comm string) bool {
		if len(keep) > 0 {
			kept := false
			for _, re := range keep {
				if re.MatchString(comm) {
					kept = true
					break
				}
			}
			if !kept {
				return false
			}
		}
		for _, re := range ignore {
			if re.MatchString(comm) {
				return false
			}
		}
		return true
	}, nil
}

func compileAnchored(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + expr + ")$")
}

// Load parses the YAML input b into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
