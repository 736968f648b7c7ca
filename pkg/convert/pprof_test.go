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

package convert

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	pprofprofile "github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"

	"github.com/flamelet/flamelet/pkg/fold"
	"github.com/flamelet/flamelet/pkg/profile"
	"github.com/flamelet/flamelet/pkg/symbol"
)

func foldedFixture(t *testing.T) *fold.Profile {
	t.Helper()
	p := fold.NewProfile(fold.WithCaptureExpectation(true, false))
	// Leaf first, as captured.
	p.AddSample("app",
		[]symbol.Frame{{Function: "work"}, {Function: "main"}},
		nil, profile.StackPresent, profile.StackAbsent, 3)
	p.AddSample("app",
		[]symbol.Frame{{Function: "idle"}, {Function: "main"}},
		nil, profile.StackPresent, profile.StackAbsent, 1)
	return p
}

func TestFoldedToPprof(t *testing.T) {
	const periodNS = int64(10_000_000) // 100Hz

	prof, err := FoldedToPprof(foldedFixture(t), time.Now(), periodNS)
	require.NoError(t, err)
	require.NoError(t, prof.CheckValid())

	require.Len(t, prof.Sample, 2)
	require.Equal(t, periodNS, prof.Period)

	// Lines() sorts, so the "idle" stack comes first.
	first := prof.Sample[0]
	require.Equal(t, []int64{1, periodNS}, first.Value)
	// Locations are leaf first.
	require.Equal(t, "idle", first.Location[0].Line[0].Function.Name)
	require.Equal(t, "main", first.Location[1].Line[0].Function.Name)
	require.Equal(t, "app", first.Location[2].Line[0].Function.Name)

	second := prof.Sample[1]
	require.Equal(t, []int64{3, 3 * periodNS}, second.Value)
	require.Equal(t, "work", second.Location[0].Line[0].Function.Name)

	// Shared frames share locations.
	require.Same(t, first.Location[1], second.Location[1])
	require.Same(t, first.Location[2], second.Location[2])
}

func TestWriteFileGzipRule(t *testing.T) {
	dir := t.TempDir()

	prof, err := FoldedToPprof(foldedFixture(t), time.Now(), 10_000_000)
	require.NoError(t, err)

	plain := filepath.Join(dir, "cpu.pb")
	require.NoError(t, WriteFile(plain, PprofWriter{Profile: prof}))
	compressed := filepath.Join(dir, "cpu.pb.gz")
	require.NoError(t, WriteFile(compressed, PprofWriter{Profile: prof}))

	// Both must parse back; pprof sniffs gzip itself.
	for _, path := range []string{plain, compressed} {
		f, err := os.Open(path)
		require.NoError(t, err)
		parsed, err := pprofprofile.Parse(f)
		require.NoError(t, f.Close())
		require.NoError(t, err)
		require.Len(t, parsed.Sample, 2)
	}

	raw, err := os.ReadFile(compressed)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 2)
	require.Equal(t, []byte{0x1f, 0x8b}, raw[:2])
}
