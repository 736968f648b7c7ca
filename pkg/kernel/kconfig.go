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

package kernel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Options the perf-event sampling probe needs. BPF_EVENTS covers the
// perf_event program type.
var requiredOptions = []string{
	"CONFIG_BPF",
	"CONFIG_BPF_SYSCALL",
	"CONFIG_PERF_EVENTS",
	"CONFIG_BPF_EVENTS",
}

var configLineRe = regexp.MustCompile(`^(CONFIG_\w+)=(y|m|n|\d+|0x[0-9a-fA-F]+|".*")$`)

// CheckBPFEnabled verifies that the running kernel was built with the
// options the probe requires. The config is read from /proc/config.gz when
// the kernel exposes it, otherwise from the /boot config for the running
// release.
func CheckBPFEnabled() error {
	release, err := Release()
	if err != nil {
		return err
	}

	paths := []string{
		"/proc/config.gz",
		"/boot/config-" + release,
		"/boot/config",
	}

	var errs error
	for _, path := range paths {
		options, err := readConfig(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			errs = errors.Join(errs, err)
			continue
		}
		return checkOptions(options)
	}

	if errs != nil {
		return errs
	}
	return fmt.Errorf("kernel config not found, tried: %s", strings.Join(paths, ", "))
}

func checkOptions(options map[string]string) error {
	for _, opt := range requiredOptions {
		value, found := options[opt]
		if !found {
			return fmt.Errorf("kernel option required for eBPF is not set: %s", opt)
		}
		if value != "y" && value != "m" {
			return fmt.Errorf("kernel option required for eBPF is disabled: %s=%s", opt, value)
		}
	}
	return nil
}

func readConfig(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	return parseConfig(r)
}

func parseConfig(r io.Reader) (map[string]string, error) {
	options := map[string]string{}
	s := bufio.NewScanner(r)
	for s.Scan() {
		m := configLineRe.FindStringSubmatch(s.Text())
		if m == nil {
			continue
		}
		options[m[1]] = strings.Trim(m[2], `"`)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return options, nil
}
