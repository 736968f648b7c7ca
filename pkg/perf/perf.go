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

package perf

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"

	"github.com/flamelet/flamelet/pkg/cache"
)

var (
	ErrPerfMapNotFound = errors.New("perf-map not found")
	ErrEmptyPerfMap    = errors.New("perf-map is empty")
	ErrProcNotFound    = errors.New("process not found")
	ErrNoSymbolFound   = errors.New("no symbol found")
)

type MapAddr struct {
	Start  uint64
	End    uint64
	Symbol string
}

// Map holds the parsed content of a JIT runtime's perf map file.
type Map struct {
	Path string

	addrs []MapAddr
}

// Lookup returns the symbol covering addr.
func (p *Map) Lookup(addr uint64) (string, error) {
	// addrs is sorted by end address; find the first entry ending after addr.
	idx := sort.Search(len(p.addrs), func(i int) bool {
		return addr < p.addrs[i].End
	})
	if idx == len(p.addrs) || p.addrs[idx].Start > addr {
		return "", ErrNoSymbolFound
	}

	return p.addrs[idx].Symbol, nil
}

// deduplicate drops entries that overlap a later one. The last symbol for a
// region is the most up to date one, JIT runtimes append to the map as they
// recompile.
func (p *Map) deduplicate() *Map {
	keep := make([]MapAddr, 0, len(p.addrs))
	var lastKeptStart uint64
	seen := false
	for i := len(p.addrs) - 1; i >= 0; i-- {
		if seen && p.addrs[i].End > lastKeptStart {
			continue
		}
		keep = append(keep, p.addrs[i])
		lastKeptStart = p.addrs[i].Start
		seen = true
	}
	// Restore ascending order.
	for i, j := 0, len(keep)-1; i < j; i, j = i+1, j-1 {
		keep[i], keep[j] = keep[j], keep[i]
	}
	p.addrs = keep
	return p
}

// ReadPerfMap parses a perf map file, e.g. /tmp/perf-123.map.
func ReadPerfMap(logger log.Logger, fileName string) (*Map, error) {
	fd, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	addrs := make([]MapAddr, 0, 256)

	r := bufio.NewReader(fd)
	i := 0
	var multiError error
	for {
		b, err := r.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read perf map line: %w", err)
		}

		line, err := parsePerfMapLine(b)
		if err != nil {
			multiError = errors.Join(multiError, fmt.Errorf("parse perf map line %d: %w", i, err))
			i++
			continue
		}

		addrs = append(addrs, line)
		i++
	}

	if multiError != nil {
		level.Debug(logger).Log("msg", "some perf map lines failed to be parsed, this is somewhat expected", "err", multiError)
	}

	if len(addrs) == 0 {
		return nil, ErrEmptyPerfMap
	}

	// Sorted by end address to allow binary search during look-up. End to find
	// the (closest) address _before_ the end. This could be an inlined instruction
	// within a larger blob.
	sort.SliceStable(addrs, func(i, j int) bool {
		return addrs[i].End < addrs[j].End
	})

	return (&Map{
		Path:  fileName,
		addrs: addrs,
	}).deduplicate(), nil
}

func parsePerfMapLine(b []byte) (MapAddr, error) {
	firstSpace := bytes.Index(b, []byte(" "))
	if firstSpace == -1 {
		return MapAddr{}, errors.New("invalid line")
	}

	secondSpace := bytes.Index(b[firstSpace+1:], []byte(" "))
	if secondSpace == -1 {
		return MapAddr{}, errors.New("invalid line")
	}

	addrBytes := b[:firstSpace]
	if len(addrBytes) == 0 {
		return MapAddr{}, errors.New("invalid line")
	}

	// Some runtimes that produce perf maps optionally start memory
	// addresses with "0x".
	if len(addrBytes) >= 2 && addrBytes[0] == '0' && addrBytes[1] == 'x' {
		addrBytes = addrBytes[2:]
	}

	if len(b) < firstSpace+secondSpace+2 {
		return MapAddr{}, errors.New("invalid line")
	}

	sizeBytes := b[firstSpace+1 : firstSpace+1+secondSpace]
	symbolBytes := b[firstSpace+secondSpace+2:]

	start, err := parseHexToUint64(addrBytes)
	if err != nil {
		return MapAddr{}, fmt.Errorf("parsing start: %w", err)
	}
	size, err := parseHexToUint64(sizeBytes)
	if err != nil {
		return MapAddr{}, fmt.Errorf("parsing end: %w", err)
	}
	if start+size < start {
		return MapAddr{}, errors.New("overflowed mapping")
	}

	if len(symbolBytes) > 0 && symbolBytes[len(symbolBytes)-1] == '\n' {
		symbolBytes = symbolBytes[:len(symbolBytes)-1]
	}
	if len(symbolBytes) > 0 && symbolBytes[len(symbolBytes)-1] == '\r' {
		symbolBytes = symbolBytes[:len(symbolBytes)-1]
	}

	return MapAddr{
		Start:  start,
		End:    start + size,
		Symbol: string(symbolBytes),
	}, nil
}

type perfMapCacheValue struct {
	m *Map

	fileModTime time.Time
	fileSize    int64
}

// PerfMapCache caches parsed perf maps per pid, refreshing whenever the
// underlying file changes.
type PerfMapCache struct {
	logger log.Logger
	procfs procfs.FS

	cache *cache.CacheWithEvictionTTL[int, perfMapCacheValue]
}

func NewPerfMapCache(logger log.Logger, reg prometheus.Registerer, profilingDuration time.Duration) (*PerfMapCache, error) {
	pfs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}

	c := &PerfMapCache{
		logger: logger,
		procfs: pfs,
	}
	c.cache = cache.NewLRUCacheWithEvictionTTL[int, perfMapCacheValue](
		prometheus.WrapRegistererWith(prometheus.Labels{"cache": "perf_map_cache"}, reg),
		512,
		10*profilingDuration,
		func(int, perfMapCacheValue) {},
	)
	return c, nil
}

// PerfMapForPID returns the parsed perf map for the given pid if it exists.
// The perf map is written by the JIT runtime inside its own pid namespace, so
// the file name carries the namespaced pid while we reach it through the
// root-relative /proc path.
func (p *PerfMapCache) PerfMapForPID(pid int) (*Map, error) {
	nsPid, err := p.namespacedPID(pid)
	if err != nil {
		return nil, err
	}

	perfFile := fmt.Sprintf("/proc/%d/root/tmp/perf-%d.map", pid, nsPid)
	info, err := os.Stat(perfFile)
	if os.IsNotExist(err) || errors.Is(err, fs.ErrNotExist) {
		return nil, ErrPerfMapNotFound
	}
	if err != nil {
		return nil, err
	}

	v, ok := p.cache.Get(pid)
	if ok && v.fileModTime.Equal(info.ModTime()) && v.fileSize == info.Size() {
		return v.m, nil
	}

	m, err := ReadPerfMap(p.logger, perfFile)
	if err != nil {
		return nil, err
	}

	p.cache.Add(pid, perfMapCacheValue{
		m:           m,
		fileModTime: info.ModTime(),
		fileSize:    info.Size(),
	})

	return m, nil
}

func (p *PerfMapCache) namespacedPID(pid int) (int, error) {
	proc, err := p.procfs.Proc(pid)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w when reading status", ErrProcNotFound)
		}
		return 0, err
	}
	status, err := proc.NewStatus()
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w when reading status", ErrProcNotFound)
		}
		return 0, err
	}
	if len(status.NSpids) == 0 {
		return pid, nil
	}
	return int(status.NSpids[len(status.NSpids)-1]), nil
}
