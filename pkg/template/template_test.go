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

package template

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRenderWithSnapshot(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := Render(&buf, StatusPage{
		Version:           "0.1.0",
		Kernel:            "6.1.0-13-amd64",
		Uptime:            90 * time.Second,
		CollectionMode:    "continuous",
		CaptureMode:       "both",
		FrequencyHz:       99,
		PollInterval:      10 * time.Second,
		SnapshotAvailable: true,
		SnapshotAge:       3 * time.Second,
		SnapshotStacks:    42,
		SnapshotWeight:    1234,
	})
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, "6.1.0-13-amd64")
	require.Contains(t, out, "99 Hz")
	require.Contains(t, out, "42")
	require.NotContains(t, out, "No snapshot published yet")
}

func TestRenderWithoutSnapshot(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, StatusPage{Version: "0.1.0"}))
	require.Contains(t, buf.String(), "No snapshot published yet")
}
