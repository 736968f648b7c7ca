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

package process

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/flamelet/flamelet/pkg/cache"
)

// SnapshotCache hands out the memory-map snapshot for a pid, fetching it at
// most once per pid while it stays fresh. Concurrent first observations of
// the same pid collapse into a single /proc read.
type SnapshotCache struct {
	logger log.Logger
	mm     *MapManager

	cache    *cache.CacheWithTTL[int, Mappings]
	inflight *xsync.MapOf[int, *snapshotCall]
}

type snapshotCall struct {
	done chan struct{}

	mappings Mappings
	err      error
}

func NewSnapshotCache(logger log.Logger, reg prometheus.Registerer, mm *MapManager, maxEntries int, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		logger: logger,
		mm:     mm,
		cache: cache.NewLRUCacheWithTTL[int, Mappings](
			prometheus.WrapRegistererWith(prometheus.Labels{"cache": "process_snapshot"}, reg),
			maxEntries,
			ttl,
		),
		inflight: xsync.NewMapOf[int, *snapshotCall](),
	}
}

// Snapshot returns the mappings for pid, from cache when fresh. A snapshot is
// taken on the first observation of a pid and kept until the TTL expires or
// the process is reported gone.
func (sc *SnapshotCache) Snapshot(pid int) (Mappings, error) {
	if ms, ok := sc.cache.Get(pid); ok {
		return ms, nil
	}

	call, loaded := sc.inflight.LoadOrStore(pid, &snapshotCall{done: make(chan struct{})})
	if loaded {
		<-call.done
		return call.mappings, call.err
	}

	call.mappings, call.err = sc.mm.MappingsForPID(pid)
	if call.err == nil {
		sc.cache.Add(pid, call.mappings)
	} else {
		level.Debug(sc.logger).Log("msg", "failed to snapshot process maps", "pid", pid, "err", call.err)
	}
	close(call.done)
	sc.inflight.Delete(pid)

	return call.mappings, call.err
}

// Evict drops the cached snapshot for a pid, e.g. when the process exited or
// its mappings are known to be stale.
func (sc *SnapshotCache) Evict(pid int) {
	sc.cache.Remove(pid)
}

// Close releases the cache's metrics.
func (sc *SnapshotCache) Close() error {
	return sc.cache.Close()
}
