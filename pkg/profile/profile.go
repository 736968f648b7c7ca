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

package profile

import (
	"io"
	"time"
)

type PID uint32

// StackStatus describes whether one side of a sample carries frames.
type StackStatus uint8

const (
	// StackPresent means the frames were captured and read.
	StackPresent StackStatus = iota
	// StackAbsent means the kernel never captured this side, either by
	// configuration (user-only or kernel-only mode) or because the in-kernel
	// walk failed.
	StackAbsent
	// StackUnavailable means a stack id was captured but its frames could
	// not be read back, typically because the kernel recycled the stack
	// store slot between the counter read and the frame read.
	StackUnavailable
)

// RawStack is one side of a captured sample: the instruction addresses as
// the kernel recorded them, leaf first.
type RawStack struct {
	Status StackStatus
	Addrs  []uint64
}

// RawSample is one drained aggregation-table entry: a distinct stack shape
// for one process and the number of times it was observed since the last
// drain.
type RawSample struct {
	PID  PID
	Comm string

	Kernel RawStack
	User   RawStack

	// Value is the observation count, each observation representing one
	// sampling period of CPU time.
	Value uint64
}

// RawBatch is the unit handed from the collector to the processing
// pipeline.
type RawBatch struct {
	// Time the drain finished.
	Time time.Time

	Samples []RawSample
}

// TotalValue returns the summed sample weight of the batch. The folded
// output of a batch must conserve it exactly.
func (b RawBatch) TotalValue() uint64 {
	var total uint64
	for _, s := range b.Samples {
		total += s.Value
	}
	return total
}

// Writer is a finished profile representation that can serialize itself,
// compressed or not.
type Writer interface {
	Write(io.Writer) error
	WriteUncompressed(io.Writer) error
}
