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

// Package cgroup resolves cgroup paths into the ids the probe matches
// against bpf_get_current_cgroup_id.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/procfs"
)

const defaultMountPoint = "/sys/fs/cgroup"

// ID returns the cgroup id for a cgroupfs directory. On cgroup v2 the id
// reported by bpf_get_current_cgroup_id is the kernfs inode of the group's
// directory. Relative paths are resolved against the default mount point.
func ID(path string) (uint64, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(defaultMountPoint, path)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat cgroup %s: %w", path, err)
	}
	if !fi.IsDir() {
		return 0, fmt.Errorf("cgroup %s is not a directory", path)
	}

	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("no inode information for %s", path)
	}
	return stat.Ino, nil
}

// IDForPID returns the cgroup id of the group a process currently runs in.
func IDForPID(pid int) (uint64, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return 0, err
	}
	cgroups, err := proc.Cgroups()
	if err != nil {
		return 0, err
	}
	cg := FindCPUGroup(cgroups)
	if cg.Path == "" {
		return 0, fmt.Errorf("no usable cgroup for pid %d", pid)
	}
	return ID(cg.Path)
}

// FindCPUGroup picks the group that accounts the process's CPU time: the
// single v2 group when there is one, otherwise the v1 hierarchy with the
// cpu controller, otherwise the first systemd slice.
func FindCPUGroup(cgroups []procfs.Cgroup) procfs.Cgroup {
	if len(cgroups) == 1 {
		return cgroups[0]
	}

	for _, cg := range cgroups {
		for _, ctlr := range cg.Controllers {
			if ctlr == "cpu" {
				return cg
			}
		}

		// https://systemd.io/CGROUP_DELEGATION/#systemds-unit-types
		if strings.HasPrefix(cg.Path, "/system.slice/") || strings.HasPrefix(cg.Path, "/user.slice/") {
			return cg
		}
	}

	return procfs.Cgroup{}
}
