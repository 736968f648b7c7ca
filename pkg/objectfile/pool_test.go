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

package objectfile

import (
	"os"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestPoolOpen(t *testing.T) {
	p := NewPool(log.NewNopLogger(), prometheus.NewRegistry(), 16)
	t.Cleanup(func() { p.Close() })

	exe, err := os.Executable()
	require.NoError(t, err)

	obj, err := p.Open(exe)
	require.NoError(t, err)
	require.True(t, obj.IsOpen())
	require.NotEmpty(t, obj.BuildID)
	require.True(t, obj.HasTextSection())

	// Opening the same binary again yields the same identity.
	obj2, err := p.Open(exe)
	require.NoError(t, err)
	require.Equal(t, obj.BuildID, obj2.BuildID)
}

func TestPoolOpenNotELF(t *testing.T) {
	p := NewPool(log.NewNopLogger(), prometheus.NewRegistry(), 16)
	t.Cleanup(func() { p.Close() })

	f, err := os.CreateTemp(t.TempDir(), "not-elf")
	require.NoError(t, err)
	_, err = f.WriteString("definitely not an ELF file")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = p.Open(f.Name())
	require.Error(t, err)
}

func TestPoolOpenMissing(t *testing.T) {
	p := NewPool(log.NewNopLogger(), prometheus.NewRegistry(), 16)
	t.Cleanup(func() { p.Close() })

	_, err := p.Open("/does/not/exist")
	require.Error(t, err)
}
