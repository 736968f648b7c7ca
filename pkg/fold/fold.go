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

// Package fold aggregates resolved stacks into the collapsed-stack text
// format: one line per distinct frame sequence, `root;frame;...;frame count`.
package fold

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/flamelet/flamelet/pkg/profile"
	"github.com/flamelet/flamelet/pkg/symbol"
)

// NoStackLabel stands in for a stack side that was expected but could not
// be captured or read back, so sample weight is conserved.
const NoStackLabel = "[no stack]"

const frameSeparator = ";"

// Profile is a weighted set of folded stacks. Merging is keyed by the full
// resolved label sequence, so position-independent code loaded at different
// addresses folds together once symbolized. Safe for concurrent use.
type Profile struct {
	mtx    sync.RWMutex
	stacks map[string]uint64
	total  uint64

	expectUser   bool
	expectKernel bool
}

// Option configures a Profile.
type Option func(*Profile)

// WithCaptureExpectation declares which stack sides the capture mode
// produces. Only an expected side degrades to the [no stack] placeholder
// when missing; a side that is off by configuration is omitted silently.
func WithCaptureExpectation(user, kernel bool) Option {
	return func(p *Profile) {
		p.expectUser = user
		p.expectKernel = kernel
	}
}

func NewProfile(opts ...Option) *Profile {
	p := &Profile{
		stacks:       map[string]uint64{},
		expectUser:   true,
		expectKernel: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddSample folds one resolved sample into the profile. Frames arrive leaf
// first (as captured); the folded line is written root first: the process
// label, then the user stack outermost to innermost, then the kernel stack
// on top of it.
func (p *Profile) AddSample(rootLabel string, user, kernel []symbol.Frame, userStatus, kernelStatus profile.StackStatus, value uint64) {
	if value == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(rootLabel)
	appendSide(&sb, user, userStatus, p.expectUser)
	appendSide(&sb, kernel, kernelStatus, p.expectKernel)

	p.mtx.Lock()
	p.stacks[sb.String()] += value
	p.total += value
	p.mtx.Unlock()
}

func appendSide(sb *strings.Builder, frames []symbol.Frame, status profile.StackStatus, expected bool) {
	if status == profile.StackPresent && len(frames) > 0 {
		for i := len(frames) - 1; i >= 0; i-- {
			sb.WriteString(frameSeparator)
			sb.WriteString(frames[i].Name())
		}
		return
	}
	if expected {
		sb.WriteString(frameSeparator)
		sb.WriteString(NoStackLabel)
	}
}

// Merge adds all of other's stacks into p.
func (p *Profile) Merge(other *Profile) {
	other.mtx.RLock()
	defer other.mtx.RUnlock()
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for stack, value := range other.stacks {
		p.stacks[stack] += value
		p.total += value
	}
}

// Clone returns an independent copy, used for copy-on-publish snapshots.
func (p *Profile) Clone() *Profile {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	clone := &Profile{
		stacks:       make(map[string]uint64, len(p.stacks)),
		total:        p.total,
		expectUser:   p.expectUser,
		expectKernel: p.expectKernel,
	}
	for stack, value := range p.stacks {
		clone.stacks[stack] = value
	}
	return clone
}

// Total returns the summed weight of all folded stacks.
func (p *Profile) Total() uint64 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.total
}

// Len returns the number of distinct folded stacks.
func (p *Profile) Len() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return len(p.stacks)
}

// Line is one folded stack and its weight.
type Line struct {
	Stack string
	Value uint64
}

// Lines returns the folded stacks sorted by label, so output is
// deterministic regardless of fold order.
func (p *Profile) Lines() []Line {
	p.mtx.RLock()
	lines := make([]Line, 0, len(p.stacks))
	for stack, value := range p.stacks {
		lines = append(lines, Line{Stack: stack, Value: value})
	}
	p.mtx.RUnlock()

	sort.Slice(lines, func(i, j int) bool { return lines[i].Stack < lines[j].Stack })
	return lines
}

// WriteUncompressed writes the profile in the collapsed text format.
func (p *Profile) WriteUncompressed(w io.Writer) error {
	for _, line := range p.Lines() {
		if _, err := fmt.Fprintf(w, "%s %d\n", line.Stack, line.Value); err != nil {
			return err
		}
	}
	return nil
}

// Write writes the gzip-compressed collapsed text format.
func (p *Profile) Write(w io.Writer) error {
	gz := gzip.NewWriter(w)
	if err := p.WriteUncompressed(gz); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
