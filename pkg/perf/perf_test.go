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

package perf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestPerfMapParse(t *testing.T) {
	res, err := ReadPerfMap(log.NewNopLogger(), "testdata/nodejs-perf-map")
	require.NoError(t, err)
	require.Len(t, res.addrs, 6)
	require.Equal(t, MapAddr{0x4edd4f12, 0x4edd4f47, "LazyCompile:~remove internal/linkedlist.js:15"}, res.addrs[2])

	// Look-up a symbol.
	sym, err := res.Lookup(0x4edd4f12 + 4)
	require.NoError(t, err)
	require.Equal(t, "LazyCompile:~remove internal/linkedlist.js:15", sym)

	// A "0x"-prefixed address parses too.
	sym, err = res.Lookup(0x4edd5800)
	require.NoError(t, err)
	require.Equal(t, "LazyCompile:~isEmpty internal/linkedlist.js:44", sym)

	_, err = res.Lookup(0xFFFFFFFF)
	require.ErrorIs(t, err, ErrNoSymbolFound)

	// An address in the gap between two symbols.
	_, err = res.Lookup(0x4edd5100)
	require.ErrorIs(t, err, ErrNoSymbolFound)
}

func TestPerfMapCorruptLine(t *testing.T) {
	_, err := parsePerfMapLine([]byte(" Script:~ evalmachine.<anonymous>:1\r\n"))
	require.Error(t, err)
}

func TestPerfMapParseSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perf-1.map")
	content := "4edd3cca 4d good_symbol\nnot a valid line\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	m, err := ReadPerfMap(log.NewNopLogger(), path)
	require.NoError(t, err)
	require.Len(t, m.addrs, 1)
	require.Equal(t, "good_symbol", m.addrs[0].Symbol)
}

func TestPerfMapEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perf-2.map")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := ReadPerfMap(log.NewNopLogger(), path)
	require.ErrorIs(t, err, ErrEmptyPerfMap)
}

func TestPerfMapDeduplicate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perf-3.map")
	// The second line recompiles the same region, the newest entry wins.
	content := "1000 100 old_version\n1000 100 new_version\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	m, err := ReadPerfMap(log.NewNopLogger(), path)
	require.NoError(t, err)
	require.Len(t, m.addrs, 1)
	require.Equal(t, "new_version", m.addrs[0].Symbol)
}

func BenchmarkPerfMapParse(b *testing.B) {
	logger := log.NewNopLogger()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := ReadPerfMap(logger, "testdata/nodejs-perf-map")
		require.NoError(b, err)
	}
}
