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

package rlimit

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/cilium/ebpf/rlimit"
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

var rlimitMu sync.Mutex

// BumpMemlock increases the current memlock limit to a value more reasonable
// for the profiler's needs. With cur and max both zero the limit is removed
// entirely, which is a no-op on kernels 5.11+ where eBPF memory is accounted
// through cgroups instead.
func BumpMemlock(cur, max uint64) (syscall.Rlimit, error) {
	rLimit := syscall.Rlimit{
		Cur: cur, // Soft limit.
		Max: max, // Hard limit (ceiling for rlim_cur).
	}

	if cur == 0 && max == 0 {
		// Requires CAP_SYS_RESOURCE on kernels < 5.11.
		if err := rlimit.RemoveMemlock(); err != nil {
			return rLimit, fmt.Errorf("failed to remove memlock rlimit: %w", err)
		}
	} else {
		rlimitMu.Lock()
		if err := syscall.Setrlimit(unix.RLIMIT_MEMLOCK, &rLimit); err != nil {
			rlimitMu.Unlock()
			return rLimit, fmt.Errorf("failed to increase rlimit: %w", err)
		}
		rlimitMu.Unlock()
	}

	rLimit = syscall.Rlimit{}
	if err := syscall.Getrlimit(unix.RLIMIT_MEMLOCK, &rLimit); err != nil {
		return rLimit, fmt.Errorf("failed to get rlimit: %w", err)
	}

	return rLimit, nil
}

func HumanizeRLimit(val uint64) string {
	if val == unix.RLIM_INFINITY {
		return "unlimited"
	}
	return humanize.Bytes(val)
}
