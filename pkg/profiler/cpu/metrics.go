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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	drains            prometheus.Counter
	drainFailures     prometheus.Counter
	drainDuration     prometheus.Histogram
	samplesDrained    prometheus.Counter
	stacksUnavailable prometheus.Counter
	probeDrops        prometheus.Counter
	batchesDropped    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		drains: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_profiler_drains_total",
			Help: "Total number of completed kernel table drains.",
		}),
		drainFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_profiler_drain_failures_total",
			Help: "Total number of failed kernel table drains.",
		}),
		drainDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "flamelet_profiler_drain_duration_seconds",
			Help:    "Duration of kernel table drains.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		samplesDrained: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_profiler_samples_drained_total",
			Help: "Total number of raw samples drained from the kernel tables.",
		}),
		stacksUnavailable: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_profiler_stacks_unavailable_total",
			Help: "Total number of stack ids whose frames were recycled before they could be read.",
		}),
		probeDrops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_profiler_probe_dropped_samples_total",
			Help: "Total number of samples the probe dropped because the kernel tables were full.",
		}),
		batchesDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_profiler_batches_dropped_total",
			Help: "Total number of raw batches dropped because processing fell behind.",
		}),
	}
}
