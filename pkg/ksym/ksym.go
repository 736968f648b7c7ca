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

package ksym

import (
	"bufio"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flamelet/flamelet/pkg/hash"
)

const kallsymsPath = "/proc/kallsyms"

type ksymEntry struct {
	addr uint64
	name string
}

// Ksym resolves kernel addresses against /proc/kallsyms. The parsed symbol
// table is kept in memory and invalidated when the content of kallsyms
// changes, e.g. when a kernel module is loaded.
type Ksym struct {
	logger  log.Logger
	fs      fs.FS
	metrics *metrics

	lastHash              uint64
	lastCacheInvalidation time.Time
	updateDuration        time.Duration
	syms                  []ksymEntry
	fastCache             map[uint64]string
	mtx                   *sync.RWMutex
}

type metrics struct {
	loads         prometheus.Counter
	invalidations prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		loads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_ksym_loads_total",
			Help: "Total number of times kallsyms was parsed.",
		}),
		invalidations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flamelet_ksym_cache_invalidations_total",
			Help: "Total number of kallsyms cache invalidations.",
		}),
	}
}

type realfs struct{}

func (f *realfs) Open(name string) (fs.File, error) { return os.Open(name) }

func NewKsym(logger log.Logger, reg prometheus.Registerer, filesystem ...fs.FS) *Ksym {
	var f fs.FS = &realfs{}
	if len(filesystem) > 0 {
		f = filesystem[0]
	}
	return &Ksym{
		logger:         logger,
		fs:             f,
		metrics:        newMetrics(reg),
		fastCache:      make(map[uint64]string),
		updateDuration: time.Minute * 5,
		mtx:            &sync.RWMutex{},
	}
}

// Resolve returns the function names for the given kernel addresses. Unknown
// addresses are simply absent from the result, the caller decides on a
// placeholder.
func (c *Ksym) Resolve(addrs map[uint64]struct{}) (map[uint64]string, error) {
	if err := c.maybeInvalidate(); err != nil {
		return nil, err
	}

	res := make(map[uint64]string, len(addrs))
	notCached := []uint64{}

	// Fast path for when we've seen this address before.
	c.mtx.RLock()
	for addr := range addrs {
		sym, ok := c.fastCache[addr]
		if !ok {
			notCached = append(notCached, addr)
			continue
		}
		res[addr] = sym
	}
	loaded := c.syms != nil
	c.mtx.RUnlock()

	if len(notCached) == 0 {
		return res, nil
	}

	if !loaded {
		if err := c.loadKsyms(); err != nil {
			return nil, err
		}
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, addr := range notCached {
		name, ok := c.find(addr)
		if !ok {
			continue
		}
		res[addr] = name
		c.fastCache[addr] = name
	}
	return res, nil
}

// maybeInvalidate drops the cached symbol table once the staleness interval
// passed and the content of kallsyms actually changed.
func (c *Ksym) maybeInvalidate() error {
	c.mtx.RLock()
	lastCacheInvalidation := c.lastCacheInvalidation
	lastHash := c.lastHash
	c.mtx.RUnlock()

	if time.Since(lastCacheInvalidation) <= c.updateDuration {
		return nil
	}

	h, err := c.kallsymsHash()
	if err != nil {
		return err
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lastCacheInvalidation = time.Now()
	if h != lastHash {
		c.lastHash = h
		c.syms = nil
		c.fastCache = map[uint64]string{}
		c.metrics.invalidations.Inc()
	}
	return nil
}

// find returns the name of the symbol whose address range covers addr.
// The caller must hold the lock and the symbol table must be loaded.
func (c *Ksym) find(addr uint64) (string, bool) {
	if len(c.syms) == 0 || addr < c.syms[0].addr {
		return "", false
	}
	// The first entry with addr strictly greater; its predecessor covers addr.
	i := sort.Search(len(c.syms), func(i int) bool { return c.syms[i].addr > addr })
	return c.syms[i-1].name, true
}

func unsafeString(b []byte) string {
	return *((*string)(unsafe.Pointer(&b)))
}

// loadKsyms parses /proc/kallsyms into a slice sorted by address. kallsyms
// is mostly sorted already, but out-of-order entries do occur.
func (c *Ksym) loadKsyms() error {
	fd, err := c.fs.Open(kallsymsPath)
	if err != nil {
		return err
	}
	defer fd.Close()

	syms := make([]ksymEntry, 0, 1024)

	s := bufio.NewScanner(fd)
	for s.Scan() {
		l := s.Bytes()
		if len(l) < 19 {
			continue
		}

		addr, err := strconv.ParseUint(unsafeString(l[:16]), 16, 64)
		if err != nil {
			level.Warn(c.logger).Log("msg", "failed to parse kallsym address", "line", string(l))
			continue
		}

		endIndex := -1
		for i := 19; i < len(l); i++ {
			// 0x20 is " " (space).
			if l[i] == 0x20 {
				endIndex = i
				break
			}
		}
		if endIndex == -1 {
			endIndex = len(l)
		}

		syms = append(syms, ksymEntry{addr: addr, name: string(l[19:endIndex])})
	}
	if err := s.Err(); err != nil {
		return err
	}

	sort.Slice(syms, func(i, j int) bool { return syms[i].addr < syms[j].addr })

	c.mtx.Lock()
	c.syms = syms
	c.mtx.Unlock()
	c.metrics.loads.Inc()
	return nil
}

func (c *Ksym) kallsymsHash() (uint64, error) {
	return hash.File(c.fs, kallsymsPath)
}
