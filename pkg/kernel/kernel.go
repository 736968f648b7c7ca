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

// Package kernel answers the preflight questions the profiler asks before
// attaching anything: what kernel is this, and can it run our probe?
package kernel

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sys/unix"
)

// bpf_get_current_cgroup_id, which the probe uses for cgroup scoping,
// appeared in 4.18.
var minimumRelease = semver.MustParse("4.18.0")

// Release returns the running kernel's release string, e.g.
// "6.1.0-13-amd64".
func Release() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(uname.Release[:]), nil
}

// Machine returns the running kernel's machine string, e.g. "x86_64".
func Machine() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(uname.Machine[:]), nil
}

// GetRelease parses the running kernel's release into a version,
// dropping any distribution suffix.
func GetRelease() (*semver.Version, error) {
	release, err := Release()
	if err != nil {
		return nil, err
	}
	return parseRelease(release)
}

func parseRelease(release string) (*semver.Version, error) {
	short, _, _ := strings.Cut(release, "-")
	v, err := semver.NewVersion(short)
	if err != nil {
		return nil, fmt.Errorf("parsing kernel release %q: %w", release, err)
	}
	return v, nil
}

// CheckReleaseSupported fails when the running kernel predates the helpers
// the probe depends on.
func CheckReleaseSupported() error {
	v, err := GetRelease()
	if err != nil {
		return err
	}
	if v.LessThan(minimumRelease) {
		return fmt.Errorf("kernel %s is older than the minimum supported %s", v, minimumRelease)
	}
	return nil
}
