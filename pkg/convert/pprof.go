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

// Package convert turns folded profiles into external formats.
package convert

import (
	"fmt"
	"io"
	"strings"
	"time"

	pprofprofile "github.com/google/pprof/profile"

	"github.com/flamelet/flamelet/pkg/fold"
)

// FoldedToPprof converts a folded profile into a pprof CPU profile. Each
// folded line becomes one sample; each distinct frame label becomes one
// function and location. pprof wants locations leaf first, folded lines are
// root first.
func FoldedToPprof(p *fold.Profile, captureTime time.Time, periodNS int64) (*pprofprofile.Profile, error) {
	lines := p.Lines()

	prof := &pprofprofile.Profile{
		SampleType: []*pprofprofile.ValueType{{
			Type: "samples",
			Unit: "count",
		}, {
			Type: "cpu",
			Unit: "nanoseconds",
		}},
		TimeNanos:     captureTime.UnixNano(),
		DurationNanos: int64(time.Since(captureTime)),
		PeriodType: &pprofprofile.ValueType{
			Type: "cpu",
			Unit: "nanoseconds",
		},
		Period: periodNS,
		Sample: make([]*pprofprofile.Sample, 0, len(lines)),
	}

	locations := map[string]*pprofprofile.Location{}
	locationForLabel := func(label string) *pprofprofile.Location {
		if loc, ok := locations[label]; ok {
			return loc
		}
		id := uint64(len(locations) + 1)
		fn := &pprofprofile.Function{
			ID:   id,
			Name: label,
		}
		loc := &pprofprofile.Location{
			ID:   id,
			Line: []pprofprofile.Line{{Function: fn}},
		}
		locations[label] = loc
		prof.Function = append(prof.Function, fn)
		prof.Location = append(prof.Location, loc)
		return loc
	}

	for _, line := range lines {
		labels := strings.Split(line.Stack, ";")
		locs := make([]*pprofprofile.Location, 0, len(labels))
		for i := len(labels) - 1; i >= 0; i-- {
			locs = append(locs, locationForLabel(labels[i]))
		}
		prof.Sample = append(prof.Sample, &pprofprofile.Sample{
			Location: locs,
			Value:    []int64{int64(line.Value), int64(line.Value) * periodNS},
		})
	}

	if err := prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return prof, nil
}

// PprofWriter wraps a pprof profile in the common profile writer interface.
// Write produces the conventional gzip-compressed encoding.
type PprofWriter struct {
	Profile *pprofprofile.Profile
}

func (w PprofWriter) Write(dst io.Writer) error {
	return w.Profile.Write(dst)
}

func (w PprofWriter) WriteUncompressed(dst io.Writer) error {
	return w.Profile.WriteUncompressed(dst)
}
