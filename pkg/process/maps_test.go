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

package process

import (
	"debug/elf"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"

	"github.com/flamelet/flamelet/pkg/objectfile"
)

func testMapping(start, end uintptr, path string) *Mapping {
	return &Mapping{
		ProcMap: &procfs.ProcMap{
			StartAddr: start,
			EndAddr:   end,
			Perms:     &procfs.ProcMapPermissions{Execute: true},
			Pathname:  path,
		},
		once: &sync.Once{},
	}
}

func TestNormalizeOverlaps(t *testing.T) {
	ms := Mappings{
		testMapping(0x3000, 0x4000, "c"),
		testMapping(0x1000, 0x2000, "a"),
		testMapping(0x1800, 0x2800, "b"),
	}
	ms.normalizeOverlaps()

	require.Len(t, ms, 3)
	require.Equal(t, "a", ms[0].Pathname)
	require.Equal(t, uintptr(0x1000), ms[0].StartAddr)
	// Entry "b" appeared later in the maps file, so it wins the overlap.
	require.Equal(t, uintptr(0x1800), ms[0].EndAddr)
	require.Equal(t, "b", ms[1].Pathname)
	require.Equal(t, "c", ms[2].Pathname)
}

func TestNormalizeOverlapsShadowed(t *testing.T) {
	ms := Mappings{
		testMapping(0x1000, 0x2000, "old"),
		testMapping(0x1000, 0x3000, "new"),
	}
	ms.normalizeOverlaps()

	require.Len(t, ms, 1)
	require.Equal(t, "new", ms[0].Pathname)
}

func TestMappingForAddr(t *testing.T) {
	ms := Mappings{
		testMapping(0x1000, 0x2000, "a"),
		testMapping(0x4000, 0x5000, "b"),
	}
	ms.normalizeOverlaps()

	require.Nil(t, ms.MappingForAddr(0xfff))
	require.Equal(t, "a", ms.MappingForAddr(0x1000).Pathname)
	require.Equal(t, "a", ms.MappingForAddr(0x1fff).Pathname)
	require.Nil(t, ms.MappingForAddr(0x2000))
	require.Nil(t, ms.MappingForAddr(0x3000))
	require.Equal(t, "b", ms.MappingForAddr(0x4abc).Pathname)
	require.Nil(t, ms.MappingForAddr(0x5000))
}

func TestMappingBase(t *testing.T) {
	m := testMapping(0x7f0000001000, 0x7f0000002000, "/lib/x.so")
	m.Offset = 0x1000

	// Fixed-position executables keep their link-time addresses.
	require.Equal(t, uint64(0), m.base(executableInfo{elfType: elf.ET_EXEC}))

	// Without a load segment the file offset maps directly.
	require.Equal(t, uint64(0x7f0000000000),
		m.base(executableInfo{elfType: elf.ET_DYN}))

	// With a load segment the link-time layout is restored.
	require.Equal(t, uint64(0x7f0000000000),
		m.base(executableInfo{
			elfType:        elf.ET_DYN,
			hasLoadSegment: true,
			segOffset:      0x1000,
			segVaddr:       0x1000,
		}))
}

func TestDoesReferToFile(t *testing.T) {
	require.True(t, doesReferToFile("/usr/bin/ls"))
	require.False(t, doesReferToFile(""))
	require.False(t, doesReferToFile("[vdso]"))
	require.False(t, doesReferToFile("anon_inode:[perf_event]"))
	require.False(t, doesReferToFile("/usr/bin/ls (deleted)"))
	require.False(t, doesReferToFile("memfd:something"))
	require.False(t, doesReferToFile("jit"))
}

func TestSnapshotSelf(t *testing.T) {
	fs, err := procfs.NewDefaultFS()
	require.NoError(t, err)

	logger := log.NewNopLogger()
	reg := prometheus.NewRegistry()
	pool := objectfile.NewPool(logger, reg, 16)
	t.Cleanup(func() { pool.Close() })

	mm := NewMapManager(reg, fs, pool)
	sc := NewSnapshotCache(logger, reg, mm, 128, time.Minute)
	t.Cleanup(func() { sc.Close() })

	ms, err := sc.Snapshot(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, ms)

	// The program counter of this test function must fall into one of our
	// own executable mappings and normalize without error.
	pc, _, _, ok := runtime.Caller(0)
	require.True(t, ok)

	m := ms.MappingForAddr(uint64(pc))
	require.NotNil(t, m)

	_, err = m.Normalize(uint64(pc))
	require.NoError(t, err)

	// Second snapshot is served from cache: same slice.
	ms2, err := sc.Snapshot(os.Getpid())
	require.NoError(t, err)
	require.Len(t, ms2, len(ms))
}
