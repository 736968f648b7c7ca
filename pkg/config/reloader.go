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

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ComponentReloader applies a freshly loaded configuration to one component.
type ComponentReloader struct {
	Name     string
	Reloader func(cfg *Config) error
}

type reloaderMetrics struct {
	attempts    prometheus.Counter
	failures    prometheus.Counter
	lastSuccess prometheus.Gauge
}

func newReloaderMetrics(reg prometheus.Registerer) *reloaderMetrics {
	return &reloaderMetrics{
		attempts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_config_reload_attempts_total",
			Help: "Total number of configuration reload attempts.",
		}),
		failures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_config_reload_failures_total",
			Help: "Total number of failed configuration reloads.",
		}),
		lastSuccess: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "flamelet_config_last_reload_success_timestamp_seconds",
			Help: "Timestamp of the last successful configuration reload.",
		}),
	}
}

// ConfigReloader watches the configuration file and pushes validated
// configurations to the registered components. The watch survives symlink
// swaps, the way Kubernetes updates mounted ConfigMaps.
type ConfigReloader struct {
	logger  log.Logger
	metrics *reloaderMetrics

	filename  string
	reloaders []ComponentReloader
	watcher   *fsnotify.Watcher

	lastHash uint64
}

func NewConfigReloader(
	logger log.Logger,
	reg prometheus.Registerer,
	filename string,
	reloaders []ComponentReloader,
) (*ConfigReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the directory as well as the file: editors and symlink swaps
	// replace the file, which kills a watch on the path alone.
	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}
	if err := watcher.Add(filename); err != nil {
		level.Debug(logger).Log("msg", "failed to watch config file directly", "path", filename, "err", err)
	}

	r := &ConfigReloader{
		logger:    log.With(logger, "component", "config_reloader"),
		metrics:   newReloaderMetrics(reg),
		filename:  filename,
		reloaders: reloaders,
		watcher:   watcher,
	}

	// Remember the startup content so the first event only fires the
	// reloaders when something actually changed.
	if content, err := os.ReadFile(filename); err == nil {
		r.lastHash = xxhash.Sum64(content)
	}

	return r, nil
}

// Run watches for changes until the context is canceled.
func (r *ConfigReloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !r.relevant(event) {
				continue
			}
			r.reload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			level.Warn(r.logger).Log("msg", "config watcher error", "err", err)
		}
	}
}

func (r *ConfigReloader) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	// Directory events for unrelated files are noise; events for the
	// symlink target arrive under the followed name and always count.
	name := filepath.Clean(event.Name)
	return name == filepath.Clean(r.filename) || filepath.Dir(name) == filepath.Dir(r.filename)
}

func (r *ConfigReloader) reload() {
	r.metrics.attempts.Inc()

	// Re-arm the file watch: a symlink swap or rename leaves the old watch
	// pointing at a dead inode.
	_ = r.watcher.Remove(r.filename)
	if err := r.watcher.Add(r.filename); err != nil {
		level.Debug(r.logger).Log("msg", "failed to re-watch config file", "path", r.filename, "err", err)
	}

	content, err := os.ReadFile(r.filename)
	if err != nil {
		r.metrics.failures.Inc()
		level.Warn(r.logger).Log("msg", "failed to read config file", "path", r.filename, "err", err)
		return
	}

	hash := xxhash.Sum64(content)
	if hash == r.lastHash {
		return
	}

	cfg, err := Load(content)
	if err != nil {
		r.metrics.failures.Inc()
		level.Warn(r.logger).Log("msg", "failed to load config file, keeping previous config", "path", r.filename, "err", err)
		return
	}
	r.lastHash = hash

	var result *multierror.Error
	for _, comp := range r.reloaders {
		if err := comp.Reloader(cfg); err != nil {
			result = multierror.Append(result, fmt.Errorf("reloading %s: %w", comp.Name, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		r.metrics.failures.Inc()
		level.Warn(r.logger).Log("msg", "config reload partially failed", "err", err)
		return
	}

	r.metrics.lastSuccess.SetToCurrentTime()
	level.Info(r.logger).Log("msg", "configuration reloaded")
}
