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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func TestParseRelease(t *testing.T) {
	t.Parallel()

	tests := []struct {
		release string
		want    string
		wantErr bool
	}{
		{release: "6.1.0-13-amd64", want: "6.1.0"},
		{release: "5.15.133", want: "5.15.133"},
		{release: "4.9.0", want: "4.9.0"},
		{release: "not-a-kernel", wantErr: true},
	}

	for _, tt := range tests {
		v, err := parseRelease(tt.release)
		if tt.wantErr {
			require.Error(t, err, tt.release)
			continue
		}
		require.NoError(t, err, tt.release)
		require.Equal(t, tt.want, v.String())
	}
}

func TestCheckReleaseSupported(t *testing.T) {
	t.Parallel()

	old, err := parseRelease("4.14.0-generic")
	require.NoError(t, err)
	require.True(t, old.LessThan(minimumRelease))

	current, err := parseRelease("6.1.0-13-amd64")
	require.NoError(t, err)
	require.False(t, current.LessThan(minimumRelease))
}

const goodConfig = `#
# Automatically generated file; DO NOT EDIT.
#
CONFIG_BPF=y
CONFIG_BPF_SYSCALL=y
CONFIG_PERF_EVENTS=y
CONFIG_BPF_EVENTS=y
CONFIG_LOCALVERSION=""
# CONFIG_DEBUG_INFO is not set
`

func TestCheckOptions(t *testing.T) {
	t.Parallel()

	options, err := parseConfig(strings.NewReader(goodConfig))
	require.NoError(t, err)
	require.NoError(t, checkOptions(options))

	// A commented-out option counts as unset.
	delete(options, "CONFIG_BPF_EVENTS")
	err = checkOptions(options)
	require.Error(t, err)
	require.Contains(t, err.Error(), "CONFIG_BPF_EVENTS")

	options["CONFIG_BPF_EVENTS"] = "n"
	err = checkOptions(options)
	require.Error(t, err)
	require.Contains(t, err.Error(), "disabled")
}

func TestReadConfigGzip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(goodConfig))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	options, err := readConfig(path)
	require.NoError(t, err)
	require.NoError(t, checkOptions(options))
}

func TestReadConfigPlain(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config-6.1.0-13-amd64")
	require.NoError(t, os.WriteFile(path, []byte(goodConfig), 0o644))

	options, err := readConfig(path)
	require.NoError(t, err)
	require.Equal(t, "y", options["CONFIG_BPF"])
}
