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

package symbol

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"

	"github.com/flamelet/flamelet/pkg/objectfile"
	"github.com/flamelet/flamelet/pkg/process"
)

type fakeKsymResolver struct {
	syms map[uint64]string
	err  error
}

func (f *fakeKsymResolver) Resolve(addrs map[uint64]struct{}) (map[uint64]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := make(map[uint64]string, len(addrs))
	for addr := range addrs {
		if name, ok := f.syms[addr]; ok {
			res[addr] = name
		}
	}
	return res, nil
}

func TestFrameName(t *testing.T) {
	require.Equal(t, "do_work", Frame{Function: "do_work"}.Name())
	require.Equal(t, "libc.so.6+0x1234", Frame{Module: "libc.so.6", Addr: 0x1234, Unresolved: ReasonNoSymbol}.Name())
	require.Equal(t, "[unknown]", Frame{Addr: 0xdead, Unresolved: ReasonNoMapping}.Name())
}

func TestSymtabLinerLookup(t *testing.T) {
	ln := &symtabLiner{symbols: []elfSymbol{
		{addr: 0x1000, size: 0x100, name: "first"},
		{addr: 0x2000, size: 0, name: "asm_no_size"},
		{addr: 0x3000, size: 0x10, name: "last"},
	}}

	lines, err := ln.PCToLines(0x1000)
	require.NoError(t, err)
	require.Equal(t, "first", lines[0].Function)

	lines, err = ln.PCToLines(0x10ff)
	require.NoError(t, err)
	require.Equal(t, "first", lines[0].Function)

	// Past the end of a sized symbol.
	_, err = ln.PCToLines(0x1100)
	require.ErrorIs(t, err, errNoSymbolCovers)

	// Zero-sized symbols cover up to the next one.
	lines, err = ln.PCToLines(0x2fff)
	require.NoError(t, err)
	require.Equal(t, "asm_no_size", lines[0].Function)

	_, err = ln.PCToLines(0xfff)
	require.ErrorIs(t, err, errNoSymbolCovers)

	_, err = ln.PCToLines(0x3010)
	require.ErrorIs(t, err, errNoSymbolCovers)
}

func TestResolveKernelStack(t *testing.T) {
	logger := log.NewNopLogger()
	reg := prometheus.NewRegistry()
	s := NewSymbolizer(logger, reg, &fakeKsymResolver{
		syms: map[uint64]string{0xffffffff81000000: "do_syscall_64"},
	}, nil, nil, nil, nil, 16)

	frames := s.ResolveKernelStack([]uint64{0xffffffff81000000, 0xffffffff82000000})
	require.Len(t, frames, 2)
	require.Equal(t, "do_syscall_64", frames[0].Name())
	require.Equal(t, ReasonNone, frames[0].Unresolved)
	require.Equal(t, "kernel+0xffffffff82000000", frames[1].Name())
	require.Equal(t, ReasonKernel, frames[1].Unresolved)
}

func TestResolveKernelStackResolverError(t *testing.T) {
	logger := log.NewNopLogger()
	reg := prometheus.NewRegistry()
	s := NewSymbolizer(logger, reg, &fakeKsymResolver{err: errors.New("kallsyms unreadable")}, nil, nil, nil, nil, 16)

	frames := s.ResolveKernelStack([]uint64{0xffffffff81000000})
	require.Len(t, frames, 1)
	require.Equal(t, ReasonKernel, frames[0].Unresolved)
}

func newTestSymbolizer(t *testing.T) *Symbolizer {
	t.Helper()

	fs, err := procfs.NewDefaultFS()
	require.NoError(t, err)

	logger := log.NewNopLogger()
	reg := prometheus.NewRegistry()
	pool := objectfile.NewPool(logger, reg, 16)
	t.Cleanup(func() { pool.Close() })

	mm := process.NewMapManager(reg, fs, pool)
	sc := process.NewSnapshotCache(logger, reg, mm, 128, time.Minute)
	t.Cleanup(func() { sc.Close() })

	s := NewSymbolizer(logger, reg, &fakeKsymResolver{}, nil, sc, pool, nil, 64)
	t.Cleanup(func() { s.liners.Close() })
	return s
}

func TestResolveUserStackSelf(t *testing.T) {
	s := newTestSymbolizer(t)

	pc, _, _, ok := runtime.Caller(0)
	require.True(t, ok)

	frames := s.ResolveUserStack(os.Getpid(), []uint64{uint64(pc)})
	require.NotEmpty(t, frames)
	require.Equal(t, ReasonNone, frames[0].Unresolved)
	require.Contains(t, frames[0].Function, "TestResolveUserStackSelf")
}

func TestResolveUserStackParseOncePerModule(t *testing.T) {
	s := newTestSymbolizer(t)

	pc, _, _, ok := runtime.Caller(0)
	require.True(t, ok)

	_ = s.ResolveUserStack(os.Getpid(), []uint64{uint64(pc)})
	creations := s.LinerCreations()
	require.GreaterOrEqual(t, creations, int64(1))

	// Resolving against the same module again must hit the liner cache.
	_ = s.ResolveUserStack(os.Getpid(), []uint64{uint64(pc), uint64(pc) + 4})
	require.Equal(t, creations, s.LinerCreations())
}

func TestResolveUserStackProcessGone(t *testing.T) {
	s := newTestSymbolizer(t)

	frames := s.ResolveUserStack(999999999, []uint64{0x1000, 0x2000})
	require.Len(t, frames, 2)
	for _, frame := range frames {
		require.Equal(t, ReasonProcessGone, frame.Unresolved)
		require.Equal(t, "[unknown]", frame.Name())
	}
}

func TestFindDebugFile(t *testing.T) {
	root := t.TempDir()
	buildID := "abcdef0123456789"

	debugPath := filepath.Join(root, "usr/lib/debug/.build-id", buildID[:2], buildID[2:]+".debug")
	require.NoError(t, os.MkdirAll(filepath.Dir(debugPath), 0o755))
	require.NoError(t, os.WriteFile(debugPath, []byte("not really elf"), 0o644))

	found, ok := findDebugFile(root, "/usr/bin/tool", buildID, []string{"/usr/lib/debug"})
	require.True(t, ok)
	require.Equal(t, debugPath, found)

	_, ok = findDebugFile(root, "/usr/bin/tool", "ffff0000", []string{"/usr/lib/debug"})
	require.False(t, ok)

	// Sibling .debug directory convention.
	sibling := filepath.Join(root, "opt/app/.debug/app.debug")
	require.NoError(t, os.MkdirAll(filepath.Dir(sibling), 0o755))
	require.NoError(t, os.WriteFile(sibling, []byte("not really elf"), 0o644))

	found, ok = findDebugFile(root, "/opt/app/app", "ffff0000", nil)
	require.True(t, ok)
	require.Equal(t, sibling, found)
}
