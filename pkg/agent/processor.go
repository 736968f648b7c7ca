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

// Package agent wires the collector's raw batches through symbolization and
// folding, and publishes completed aggregation snapshots.
package agent

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flamelet/flamelet/pkg/fold"
	"github.com/flamelet/flamelet/pkg/profile"
	"github.com/flamelet/flamelet/pkg/symbol"
)

// StackSymbolizer resolves the two sides of a raw stack into frames.
type StackSymbolizer interface {
	ResolveUserStack(pid int, addrs []uint64) []symbol.Frame
	ResolveKernelStack(addrs []uint64) []symbol.Frame
}

type processorMetrics struct {
	batches  prometheus.Counter
	samples  prometheus.Counter
	filtered prometheus.Counter
	weight   prometheus.Counter
}

func newProcessorMetrics(reg prometheus.Registerer) *processorMetrics {
	return &processorMetrics{
		batches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_processor_batches_total",
			Help: "Total number of raw batches processed.",
		}),
		samples: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_processor_samples_total",
			Help: "Total number of raw samples processed.",
		}),
		filtered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_processor_samples_filtered_total",
			Help: "Total number of raw samples dropped by the comm filter.",
		}),
		weight: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_processor_sample_weight_total",
			Help: "Total sample weight folded into the aggregation.",
		}),
	}
}

// Processor consumes raw batches, symbolizes them and folds them into a
// cumulative profile, publishing a snapshot after every batch.
type Processor struct {
	logger  log.Logger
	metrics *processorMetrics

	symbolizer StackSymbolizer
	store      *SnapshotStore

	filterMtx sync.RWMutex
	filter    func(comm string) bool

	cumulative *fold.Profile
}

func NewProcessor(
	logger log.Logger,
	reg prometheus.Registerer,
	symbolizer StackSymbolizer,
	store *SnapshotStore,
	foldOpts ...fold.Option,
) *Processor {
	return &Processor{
		logger:     log.With(logger, "component", "processor"),
		metrics:    newProcessorMetrics(reg),
		symbolizer: symbolizer,
		store:      store,
		cumulative: fold.NewProfile(foldOpts...),
	}
}

// SetCommFilter installs a predicate deciding which process comms are folded
// into the aggregation. Safe to call while Run is consuming batches; the
// config reloader swaps it on the fly. A nil filter keeps everything.
func (p *Processor) SetCommFilter(filter func(comm string) bool) {
	p.filterMtx.Lock()
	p.filter = filter
	p.filterMtx.Unlock()
}

func (p *Processor) keeps(comm string) bool {
	p.filterMtx.RLock()
	defer p.filterMtx.RUnlock()
	return p.filter == nil || p.filter(comm)
}

// Run consumes batches until the channel is closed by the producer.
// Shutdown rides on that close: the in-flight batch is always finished, so
// folded weight matches drained weight.
func (p *Processor) Run(batches <-chan profile.RawBatch) error {
	for batch := range batches {
		p.process(batch)
	}
	level.Debug(p.logger).Log("msg", "batch channel closed, processor exiting")
	return nil
}

func (p *Processor) process(batch profile.RawBatch) {
	var folded uint64
	for _, sample := range batch.Samples {
		if !p.keeps(sample.Comm) {
			p.metrics.filtered.Inc()
			continue
		}

		var userFrames, kernelFrames []symbol.Frame
		if sample.User.Status == profile.StackPresent {
			userFrames = p.symbolizer.ResolveUserStack(int(sample.PID), sample.User.Addrs)
		}
		if sample.Kernel.Status == profile.StackPresent {
			kernelFrames = p.symbolizer.ResolveKernelStack(sample.Kernel.Addrs)
		}

		p.cumulative.AddSample(
			rootLabel(sample),
			userFrames,
			kernelFrames,
			sample.User.Status,
			sample.Kernel.Status,
			sample.Value,
		)
		folded += sample.Value
	}

	p.metrics.batches.Inc()
	p.metrics.samples.Add(float64(len(batch.Samples)))
	p.metrics.weight.Add(float64(folded))

	p.store.Publish(p.cumulative)
}

// Profile returns a copy of the cumulative aggregation, for final output
// files after the run ends.
func (p *Processor) Profile() *fold.Profile {
	return p.cumulative.Clone()
}

func rootLabel(sample profile.RawSample) string {
	if sample.Comm != "" {
		return sample.Comm
	}
	return fmt.Sprintf("pid-%d", sample.PID)
}
