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

package symbol

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/flamelet/flamelet/pkg/cache"
	"github.com/flamelet/flamelet/pkg/objectfile"
	"github.com/flamelet/flamelet/pkg/perf"
	"github.com/flamelet/flamelet/pkg/process"
)

// UnresolvedReason explains why a frame carries a degraded label. Resolution
// failures are values, not errors: a stack with unresolvable frames still
// flows through aggregation with its full sample weight.
type UnresolvedReason string

const (
	ReasonNone          UnresolvedReason = ""
	ReasonNoMapping     UnresolvedReason = "no_mapping"
	ReasonProcessGone   UnresolvedReason = "process_gone"
	ReasonNoSymbol      UnresolvedReason = "no_symbol"
	ReasonNormalization UnresolvedReason = "normalization_failed"
	ReasonKernel        UnresolvedReason = "kernel_unresolved"
)

// Frame is one logical stack frame. A single raw address may expand into
// several frames when the innermost function was inlined.
type Frame struct {
	// Addr is relative to the containing module's link-time layout when the
	// frame was normalized, otherwise it is the raw address.
	Addr uint64

	Module   string
	Function string
	File     string
	Line     int64
	Inlined  bool

	Unresolved UnresolvedReason
}

// Name returns the display label for the frame, degrading from the function
// name to module+offset to a placeholder.
func (f Frame) Name() string {
	switch {
	case f.Function != "":
		return f.Function
	case f.Module != "":
		return fmt.Sprintf("%s+0x%x", f.Module, f.Addr)
	default:
		return "[unknown]"
	}
}

// KernelSymbolResolver resolves kernel addresses against the running
// kernel's symbol table.
type KernelSymbolResolver interface {
	Resolve(addrs map[uint64]struct{}) (map[uint64]string, error)
}

// PerfMapFinder fetches the JIT symbol map a runtime may have dumped for a
// process.
type PerfMapFinder interface {
	PerfMapForPID(pid int) (*perf.Map, error)
}

// ProcessSnapshotter hands out the memory mapping snapshot for a pid.
type ProcessSnapshotter interface {
	Snapshot(pid int) (process.Mappings, error)
	// Evict drops any cached snapshot, called when the process is observed
	// gone.
	Evict(pid int)
}

type metrics struct {
	frames         *prometheus.CounterVec
	linerCreations prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		frames: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "flamelet_symbolization_frames_total",
				Help: "Total number of symbolized frames by resolution result.",
			},
			[]string{"result"},
		),
		linerCreations: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "flamelet_symbolization_liner_creations_total",
				Help: "Total number of symbol source parses for object files.",
			},
		),
	}
}

// Symbolizer resolves raw instruction addresses to logical frames. Symbol
// sources are parsed once per (path, build id) and cached; all per-address
// failures degrade the frame label instead of erroring.
type Symbolizer struct {
	logger  log.Logger
	metrics *metrics

	ksym      KernelSymbolResolver
	perfMaps  PerfMapFinder
	snapshots ProcessSnapshotter
	pool      *objectfile.Pool

	// demangler-style search path list for split debug files.
	debugDirs []string

	liners         *cache.LRUCache[linerKey, liner]
	linerCreations *atomic.Int64
}

type linerKey struct {
	path    string
	buildID string
}

func NewSymbolizer(
	logger log.Logger,
	reg prometheus.Registerer,
	ksym KernelSymbolResolver,
	perfMaps PerfMapFinder,
	snapshots ProcessSnapshotter,
	pool *objectfile.Pool,
	debugDirs []string,
	cacheSize int,
) *Symbolizer {
	return &Symbolizer{
		logger:    log.With(logger, "component", "symbolizer"),
		metrics:   newMetrics(reg),
		ksym:      ksym,
		perfMaps:  perfMaps,
		snapshots: snapshots,
		pool:      pool,
		debugDirs: debugDirs,
		liners: cache.NewLRUCache[linerKey, liner](
			prometheus.WrapRegistererWith(prometheus.Labels{"cache": "symbol_liner"}, reg),
			cacheSize,
		),
		linerCreations: atomic.NewInt64(0),
	}
}

// LinerCreations returns how many symbol sources have been parsed so far.
// Repeated symbolization against unchanged object files must not increase it.
func (s *Symbolizer) LinerCreations() int64 {
	return s.linerCreations.Load()
}

// Close releases the cached symbol sources.
func (s *Symbolizer) Close() error {
	return s.liners.Close()
}

// ResolveKernelStack resolves kernel addresses, leaf first on input, one
// frame per address.
func (s *Symbolizer) ResolveKernelStack(addrs []uint64) []Frame {
	if len(addrs) == 0 {
		return nil
	}

	lookup := make(map[uint64]struct{}, len(addrs))
	for _, addr := range addrs {
		lookup[addr] = struct{}{}
	}

	syms, err := s.ksym.Resolve(lookup)
	if err != nil {
		level.Debug(s.logger).Log("msg", "failed to resolve kernel symbols", "err", err)
		syms = nil
	}

	frames := make([]Frame, 0, len(addrs))
	for _, addr := range addrs {
		frame := Frame{Addr: addr, Module: "kernel"}
		if name, ok := syms[addr]; ok && name != "" {
			frame.Function = name
			s.metrics.frames.WithLabelValues("resolved").Inc()
		} else {
			frame.Unresolved = ReasonKernel
			s.metrics.frames.WithLabelValues(string(ReasonKernel)).Inc()
		}
		frames = append(frames, frame)
	}
	return frames
}

// ResolveUserStack resolves the user-space addresses of one stack, leaf
// first on input. Inline expansion may return more frames than addresses;
// the expansion of each address is innermost first.
func (s *Symbolizer) ResolveUserStack(pid int, addrs []uint64) []Frame {
	if len(addrs) == 0 {
		return nil
	}

	mappings, err := s.snapshots.Snapshot(pid)
	if err != nil {
		level.Debug(s.logger).Log("msg", "no mapping snapshot for process", "pid", pid, "err", err)
		// Whatever might be cached for the pid is stale now.
		s.snapshots.Evict(pid)
		frames := make([]Frame, 0, len(addrs))
		for _, addr := range addrs {
			s.metrics.frames.WithLabelValues(string(ReasonProcessGone)).Inc()
			frames = append(frames, Frame{Addr: addr, Unresolved: ReasonProcessGone})
		}
		return frames
	}

	var (
		perfMap        *perf.Map
		perfMapFetched bool
	)

	frames := make([]Frame, 0, len(addrs))
	for _, addr := range addrs {
		frames = append(frames, s.resolveUserAddr(pid, mappings, addr, &perfMap, &perfMapFetched)...)
	}
	return frames
}

func (s *Symbolizer) resolveUserAddr(pid int, mappings process.Mappings, addr uint64, perfMap **perf.Map, perfMapFetched *bool) []Frame {
	m := mappings.MappingForAddr(addr)
	if m == nil {
		s.metrics.frames.WithLabelValues(string(ReasonNoMapping)).Inc()
		return []Frame{{Addr: addr, Unresolved: ReasonNoMapping}}
	}

	if !m.IsSymbolizable() {
		// Anonymous executable mappings are where JIT runtimes place their
		// generated code; a perf map is the only symbol source for those.
		if sym, ok := s.lookupPerfMap(pid, addr, perfMap, perfMapFetched); ok {
			s.metrics.frames.WithLabelValues("resolved").Inc()
			return []Frame{{Addr: addr, Module: "jit", Function: sym}}
		}
		s.metrics.frames.WithLabelValues(string(ReasonNoSymbol)).Inc()
		return []Frame{{Addr: addr, Unresolved: ReasonNoSymbol}}
	}

	module := filepath.Base(m.Pathname)

	normalized, err := m.Normalize(addr)
	if err != nil {
		level.Debug(s.logger).Log("msg", "failed to normalize address", "pid", pid, "addr", fmt.Sprintf("%x", addr), "err", err)
		s.metrics.frames.WithLabelValues(string(ReasonNormalization)).Inc()
		return []Frame{{Addr: addr - uint64(m.StartAddr), Module: module, Unresolved: ReasonNormalization}}
	}

	ln, err := s.linerForMapping(m)
	if err != nil {
		if !errors.Is(err, errNoLiner) {
			level.Debug(s.logger).Log("msg", "failed to build symbol source", "path", m.Pathname, "err", err)
		}
		s.metrics.frames.WithLabelValues(string(ReasonNoSymbol)).Inc()
		return []Frame{{Addr: normalized, Module: module, Unresolved: ReasonNoSymbol}}
	}

	lines, err := ln.PCToLines(normalized)
	if err != nil || len(lines) == 0 {
		s.metrics.frames.WithLabelValues(string(ReasonNoSymbol)).Inc()
		return []Frame{{Addr: normalized, Module: module, Unresolved: ReasonNoSymbol}}
	}

	frames := make([]Frame, 0, len(lines))
	for _, line := range lines {
		s.metrics.frames.WithLabelValues("resolved").Inc()
		frames = append(frames, Frame{
			Addr:     normalized,
			Module:   module,
			Function: line.Function,
			File:     line.File,
			Line:     line.Line,
			Inlined:  line.Inlined,
		})
	}
	return frames
}

func (s *Symbolizer) lookupPerfMap(pid int, addr uint64, perfMap **perf.Map, fetched *bool) (string, bool) {
	if s.perfMaps == nil {
		return "", false
	}
	if !*fetched {
		*fetched = true
		pm, err := s.perfMaps.PerfMapForPID(pid)
		if err != nil {
			if !errors.Is(err, perf.ErrPerfMapNotFound) && !errors.Is(err, perf.ErrProcNotFound) {
				level.Debug(s.logger).Log("msg", "failed to read perf map", "pid", pid, "err", err)
			}
			return "", false
		}
		*perfMap = pm
	}
	if *perfMap == nil {
		return "", false
	}
	sym, err := (*perfMap).Lookup(addr)
	if err != nil {
		return "", false
	}
	return sym, true
}

// linerForMapping returns the cached symbol source for the mapping's object
// file, parsing it on first use. Negative results are cached too, so an
// unsymbolizable module is probed only once.
func (s *Symbolizer) linerForMapping(m *process.Mapping) (liner, error) {
	key := linerKey{path: m.Pathname, buildID: m.BuildID}
	if ln, ok := s.liners.Get(key); ok {
		if ln == nil {
			return nil, errNoLiner
		}
		return ln, nil
	}

	obj, err := s.pool.Open(m.AbsolutePath())
	if err != nil {
		return nil, err
	}

	ln, err := s.newLiner(m, obj)
	s.linerCreations.Inc()
	s.metrics.linerCreations.Inc()
	if err != nil {
		if errors.Is(err, errNoLiner) {
			s.liners.Add(key, nil)
		}
		return nil, err
	}

	s.liners.Add(key, ln)
	return ln, nil
}
