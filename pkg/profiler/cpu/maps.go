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

package cpu

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/go-kit/log/level"

	"github.com/flamelet/flamelet/pkg/profile"
)

// stackCountKey mirrors struct stack_count_key_t in the BPF program.
type stackCountKey struct {
	PID           uint32
	UserStackID   int32
	KernelStackID int32
	Comm          [16]byte
}

// drain reads every entry present in the aggregation table, reads the frame
// arrays the entries point at, then clears the drained state. Counters are
// cleared on every drain so each batch is already a delta.
func (p *CPU) drain() (profile.RawBatch, error) {
	start := time.Now()
	batch := profile.RawBatch{Time: start}

	var (
		key   stackCountKey
		count uint64

		drained  []stackCountKey
		stackIDs = map[uint32]struct{}{}
	)

	// Frames must be read in the same pass: the kernel recycles stack store
	// slots, so an id that is not read now may be gone after the next
	// sampling interrupt.
	it := p.objs.StackCounts.Iterate()
	for it.Next(&key, &count) {
		sample := profile.RawSample{
			PID:    profile.PID(key.PID),
			Comm:   commString(key.Comm),
			User:   p.readStack(key.UserStackID, stackIDs),
			Kernel: p.readStack(key.KernelStackID, stackIDs),
			Value:  count,
		}
		batch.Samples = append(batch.Samples, sample)
		drained = append(drained, key)
	}
	if err := it.Err(); err != nil {
		p.metrics.drainFailures.Inc()
		return batch, fmt.Errorf("iterate stack counts: %w", err)
	}

	// Only this loop ever clears the kernel tables.
	for i := range drained {
		if err := p.objs.StackCounts.Delete(&drained[i]); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			level.Debug(p.logger).Log("msg", "failed to delete stack count", "err", err)
		}
	}
	for id := range stackIDs {
		if err := p.objs.StackTraces.Delete(id); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			level.Debug(p.logger).Log("msg", "failed to delete stack trace", "err", err)
		}
	}

	p.reportDrops()

	p.metrics.drains.Inc()
	p.metrics.samplesDrained.Add(float64(len(batch.Samples)))
	p.metrics.drainDuration.Observe(time.Since(start).Seconds())
	return batch, nil
}

// readStack fetches the frame array for a stack id. A negative id means the
// kernel never captured that side; a failed lookup means the slot was
// recycled between the counter read and now. Both are markers, not errors.
func (p *CPU) readStack(id int32, seen map[uint32]struct{}) profile.RawStack {
	if id < 0 {
		return profile.RawStack{Status: profile.StackAbsent}
	}

	var frames [stackDepth]uint64
	if err := p.objs.StackTraces.Lookup(uint32(id), &frames); err != nil {
		p.metrics.stacksUnavailable.Inc()
		return profile.RawStack{Status: profile.StackUnavailable}
	}
	seen[uint32(id)] = struct{}{}

	return profile.RawStack{
		Status: profile.StackPresent,
		Addrs:  trimStack(frames[:]),
	}
}

// reportDrops reads the per-CPU drop counter the probe bumps when the
// tables are full and exposes the increase since the last drain.
func (p *CPU) reportDrops() {
	var perCPU []uint64
	if err := p.objs.DropTotal.Lookup(uint32(0), &perCPU); err != nil {
		level.Debug(p.logger).Log("msg", "failed to read drop counter", "err", err)
		return
	}
	var total uint64
	for _, v := range perCPU {
		total += v
	}
	if total >= p.lastDropTotal {
		p.metrics.probeDrops.Add(float64(total - p.lastDropTotal))
	}
	p.lastDropTotal = total
}

// trimStack cuts the zero-filled tail the fixed-size BPF value carries,
// keeping any zero frames in the middle of the walk.
func trimStack(addrs []uint64) []uint64 {
	end := len(addrs)
	for end > 0 && addrs[end-1] == 0 {
		end--
	}
	if end == 0 {
		return nil
	}
	out := make([]uint64, end)
	copy(out, addrs[:end])
	return out
}

// commString converts the fixed-size, NUL-padded comm field to a string.
func commString(comm [16]byte) string {
	if i := bytes.IndexByte(comm[:], 0); i >= 0 {
		return string(comm[:i])
	}
	return string(comm[:])
}
