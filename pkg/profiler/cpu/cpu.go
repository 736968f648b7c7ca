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

// Package cpu drives the perf-event sampling probe: it loads the BPF
// object, attaches it to a software clock event on every online CPU and
// periodically drains the kernel-held stack counts into raw sample batches.
package cpu

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flamelet/flamelet/pkg/profile"
)

// CaptureMode selects which stack sides the probe records.
type CaptureMode string

const (
	CaptureBoth   CaptureMode = "both"
	CaptureUser   CaptureMode = "user"
	CaptureKernel CaptureMode = "kernel"
)

// CollectionMode selects how the collector drains.
type CollectionMode string

const (
	// ModeSnapshot drains once after the configured duration.
	ModeSnapshot CollectionMode = "snapshot"
	// ModeContinuous drains every poll interval; cleared counters make each
	// drain a delta.
	ModeContinuous CollectionMode = "continuous"
)

type Config struct {
	BPFObjectPath string

	SamplingFrequency uint64
	CaptureMode       CaptureMode
	Mode              CollectionMode

	// Duration bounds a snapshot run. Ignored in continuous mode.
	Duration     time.Duration
	PollInterval time.Duration

	// TargetPID restricts sampling to one process, 0 samples everything.
	TargetPID int
	// TargetCgroupID restricts sampling to one cgroup, 0 samples everything.
	TargetCgroupID uint64

	// BatchBufferSize is the capacity of the hand-off channel to the
	// processing pipeline.
	BatchBufferSize int

	MemlockRlimit uint64
}

// CPU is the profiler actor. It owns the BPF maps for their whole lifetime;
// nothing else reads or clears them.
type CPU struct {
	logger  log.Logger
	metrics *metrics
	config  Config

	objs   *bpfObjects
	events []perfEvent

	batches chan profile.RawBatch

	lastDropTotal uint64
}

func NewCPUProfiler(logger log.Logger, reg prometheus.Registerer, config Config) *CPU {
	// publish relies on the channel being buffered.
	if config.BatchBufferSize < 1 {
		config.BatchBufferSize = 1
	}
	return &CPU{
		logger:  log.With(logger, "component", "cpu_profiler"),
		metrics: newMetrics(reg),
		config:  config,
		batches: make(chan profile.RawBatch, config.BatchBufferSize),
	}
}

// Batches returns the channel raw sample batches are handed off on. It is
// closed when Run returns, after a final drain.
func (p *CPU) Batches() <-chan profile.RawBatch {
	return p.batches
}

// Run loads and attaches the probe, then drains it until the context is
// cancelled or the snapshot duration elapses. Attach failures are fatal;
// drain failures degrade.
func (p *CPU) Run(ctx context.Context) error {
	defer close(p.batches)

	if err := p.attach(); err != nil {
		return fmt.Errorf("attach probe: %w", err)
	}
	defer p.detach()

	level.Info(p.logger).Log(
		"msg", "profiler running",
		"frequency", p.config.SamplingFrequency,
		"capture", p.config.CaptureMode,
		"mode", p.config.Mode,
	)

	if p.config.Mode == ModeSnapshot {
		return p.runSnapshot(ctx)
	}
	return p.runContinuous(ctx)
}

func (p *CPU) runSnapshot(ctx context.Context) error {
	timer := time.NewTimer(p.config.Duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	// The drain still has to happen when the run was cut short by a signal.
	batch, err := p.drainWithRetry(context.Background())
	if err != nil {
		return fmt.Errorf("final drain: %w", err)
	}

	// In a bounded run the batch must not be lost; block until the
	// processing pipeline takes it.
	p.batches <- batch
	return nil
}

func (p *CPU) runContinuous(ctx context.Context) error {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// One final drain so the profile reflects samples captured up to
			// the shutdown signal.
			batch, err := p.drainWithRetry(context.Background())
			if err != nil {
				level.Warn(p.logger).Log("msg", "final drain failed", "err", err)
				return nil
			}
			p.publish(batch)
			return nil
		case <-ticker.C:
			batch, err := p.drainWithRetry(ctx)
			if err != nil {
				level.Warn(p.logger).Log("msg", "drain failed, continuing", "err", err)
				continue
			}
			p.publish(batch)
		}
	}
}

// drainWithRetry drains the kernel tables, retrying transient failures with
// exponential backoff for at most one poll interval.
func (p *CPU) drainWithRetry(ctx context.Context) (profile.RawBatch, error) {
	var batch profile.RawBatch

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.MaxElapsedTime = p.config.PollInterval

	err := backoff.Retry(func() error {
		var err error
		batch, err = p.drain()
		return err
	}, backoff.WithContext(expo, ctx))

	return batch, err
}

// publish hands a batch to the processing pipeline. If the channel is full
// the oldest batch is dropped, with a metric, so memory stays bounded when
// processing falls behind.
func (p *CPU) publish(batch profile.RawBatch) {
	for {
		select {
		case p.batches <- batch:
			return
		default:
		}
		select {
		case <-p.batches:
			p.metrics.batchesDropped.Inc()
		default:
		}
	}
}
