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

package agent

import (
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/flamelet/flamelet/pkg/fold"
	"github.com/flamelet/flamelet/pkg/profile"
	"github.com/flamelet/flamelet/pkg/symbol"
)

// fakeSymbolizer labels every address deterministically.
type fakeSymbolizer struct{}

func (fakeSymbolizer) ResolveUserStack(pid int, addrs []uint64) []symbol.Frame {
	frames := make([]symbol.Frame, 0, len(addrs))
	for _, addr := range addrs {
		frames = append(frames, symbol.Frame{Addr: addr, Function: fmt.Sprintf("u_%x", addr)})
	}
	return frames
}

func (fakeSymbolizer) ResolveKernelStack(addrs []uint64) []symbol.Frame {
	frames := make([]symbol.Frame, 0, len(addrs))
	for _, addr := range addrs {
		frames = append(frames, symbol.Frame{Addr: addr, Function: fmt.Sprintf("k_%x", addr)})
	}
	return frames
}

func TestProcessorFoldsBatches(t *testing.T) {
	store := NewSnapshotStore()
	p := NewProcessor(log.NewNopLogger(), prometheus.NewRegistry(), fakeSymbolizer{}, store)

	batches := make(chan profile.RawBatch, 2)
	batches <- profile.RawBatch{Samples: []profile.RawSample{
		{
			PID:    42,
			Comm:   "app",
			User:   profile.RawStack{Status: profile.StackPresent, Addrs: []uint64{0x1, 0x2}},
			Kernel: profile.RawStack{Status: profile.StackPresent, Addrs: []uint64{0x10}},
			Value:  3,
		},
		{
			PID:    42,
			Comm:   "app",
			User:   profile.RawStack{Status: profile.StackUnavailable},
			Kernel: profile.RawStack{Status: profile.StackPresent, Addrs: []uint64{0x10}},
			Value:  2,
		},
	}}
	batches <- profile.RawBatch{Samples: []profile.RawSample{
		{
			PID:   7,
			User:  profile.RawStack{Status: profile.StackPresent, Addrs: []uint64{0x1}},
			Value: 1,
		},
	}}
	close(batches)

	require.NoError(t, p.Run(batches))

	final := p.Profile()
	// Weight is conserved: 3 + 2 + 1.
	require.Equal(t, uint64(6), final.Total())

	lines := final.Lines()
	stacks := make(map[string]uint64, len(lines))
	for _, line := range lines {
		stacks[line.Stack] = line.Value
	}
	require.Equal(t, uint64(3), stacks["app;u_2;u_1;k_10"])
	require.Equal(t, uint64(2), stacks["app;[no stack];k_10"])
	// Empty comm falls back to a pid label; absent kernel side degrades.
	require.Equal(t, uint64(1), stacks["pid-7;u_1;[no stack]"])

	// Every batch published a snapshot; the last one matches the final
	// profile.
	latest, _, ok := store.Latest()
	require.True(t, ok)
	require.Equal(t, final.Total(), latest.Total())
}

func TestProcessorCommFilter(t *testing.T) {
	store := NewSnapshotStore()
	p := NewProcessor(log.NewNopLogger(), prometheus.NewRegistry(), fakeSymbolizer{}, store)
	p.SetCommFilter(func(comm string) bool { return comm != "sshd" })

	batches := make(chan profile.RawBatch, 1)
	batches <- profile.RawBatch{Samples: []profile.RawSample{
		{
			PID:   1,
			Comm:  "app",
			User:  profile.RawStack{Status: profile.StackPresent, Addrs: []uint64{0x1}},
			Value: 2,
		},
		{
			PID:   2,
			Comm:  "sshd",
			User:  profile.RawStack{Status: profile.StackPresent, Addrs: []uint64{0x1}},
			Value: 5,
		},
	}}
	close(batches)

	require.NoError(t, p.Run(batches))

	final := p.Profile()
	require.Equal(t, uint64(2), final.Total())
}

func TestSnapshotStorePublishIsCopy(t *testing.T) {
	store := NewSnapshotStore()

	working := fold.NewProfile(fold.WithCaptureExpectation(true, false))
	working.AddSample("app", []symbol.Frame{{Function: "a"}}, nil, profile.StackPresent, profile.StackAbsent, 1)
	store.Publish(working)

	// Later pipeline mutations must not leak into the published snapshot.
	working.AddSample("app", []symbol.Frame{{Function: "a"}}, nil, profile.StackPresent, profile.StackAbsent, 1)

	latest, _, ok := store.Latest()
	require.True(t, ok)
	require.Equal(t, uint64(1), latest.Total())
}

func TestSnapshotStoreLatestEmpty(t *testing.T) {
	store := NewSnapshotStore()
	_, _, ok := store.Latest()
	require.False(t, ok)
}

func TestSubscribeDropOldest(t *testing.T) {
	store := NewSnapshotStore()
	ch, cancel := store.Subscribe()
	defer cancel()

	publish := func(total uint64) {
		p := fold.NewProfile(fold.WithCaptureExpectation(true, false))
		p.AddSample("app", []symbol.Frame{{Function: "a"}}, nil, profile.StackPresent, profile.StackAbsent, total)
		store.Publish(p)
	}

	// A slow subscriber only ever sees the newest pending snapshot.
	publish(1)
	publish(2)
	publish(3)

	got := <-ch
	require.Equal(t, uint64(3), got.Total())

	select {
	case <-ch:
		t.Fatal("expected no further pending snapshots")
	default:
	}
}

func TestSubscribeCancel(t *testing.T) {
	store := NewSnapshotStore()
	ch, cancel := store.Subscribe()
	cancel()
	// Cancel is idempotent and closes the channel.
	cancel()
	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic.
	store.Publish(fold.NewProfile())
}
