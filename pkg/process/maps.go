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
	"debug/elf"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/procfs"

	"github.com/flamelet/flamelet/pkg/elfreader"
	"github.com/flamelet/flamelet/pkg/objectfile"
)

var (
	ErrProcNotFound = errors.New("process not found")
	ErrNoMapping    = errors.New("no mapping contains the address")
)

type mapMetrics struct {
	baseCalculationSuccess prometheus.Counter
	baseCalculationError   prometheus.Counter
}

func newMapMetrics(reg prometheus.Registerer) *mapMetrics {
	baseCalculation := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "flamelet_mapping_base_calculation_total",
			Help: "Total number of mapping base address calculation attempts.",
		},
		[]string{"result"},
	)
	return &mapMetrics{
		baseCalculationSuccess: baseCalculation.WithLabelValues("success"),
		baseCalculationError:   baseCalculation.WithLabelValues("error"),
	}
}

// MapManager reads /proc/<pid>/maps and turns the executable entries into
// Mappings ready for address normalization.
type MapManager struct {
	procfs.FS

	metrics     *mapMetrics
	objFilePool *objectfile.Pool
}

func NewMapManager(reg prometheus.Registerer, fs procfs.FS, objFilePool *objectfile.Pool) *MapManager {
	return &MapManager{
		FS:          fs,
		objFilePool: objFilePool,
		metrics:     newMapMetrics(reg),
	}
}

type Mappings []*Mapping

// MappingsForPID returns the executable mappings for the given PID, sorted by
// start address with overlaps resolved in favor of the later map entry.
func (mm *MapManager) MappingsForPID(pid int) (Mappings, error) {
	proc, err := mm.Proc(pid)
	if err != nil {
		return nil, errors.Join(ErrProcNotFound, fmt.Errorf("failed to open proc %d: %w", pid, err))
	}

	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, errors.Join(ErrProcNotFound, fmt.Errorf("failed to read proc maps for proc %d: %w", pid, err))
	}

	// We only ever care about executable mappings.
	res := make(Mappings, 0, len(maps))
	for _, m := range maps {
		if !m.Perms.Execute {
			continue
		}
		mapping, err := mm.newUserMapping(m, pid)
		if err != nil {
			var elfErr *elf.FormatError
			if errors.As(err, &elfErr) {
				// Not an ELF file, nothing to symbolize against.
				continue
			}
			if os.IsNotExist(err) || errors.Is(err, fs.ErrNotExist) {
				// Highly likely the file was unreachable due to a
				// short-lived process; keep it unsymbolizable.
				mapping = &Mapping{mm: mm, ProcMap: m, PID: pid, once: &sync.Once{}}
			} else {
				return nil, fmt.Errorf("failed to initialize mapping %s: %w", m.Pathname, err)
			}
		}
		res = append(res, mapping)
	}

	res.normalizeOverlaps()
	return res, nil
}

// normalizeOverlaps sorts the mappings by start address and shrinks or drops
// earlier entries that overlap later ones, so that containment lookups can
// binary search and the later map entry wins.
func (ms *Mappings) normalizeOverlaps() {
	s := *ms
	sort.SliceStable(s, func(i, j int) bool { return s[i].StartAddr < s[j].StartAddr })

	out := s[:0]
	for _, m := range s {
		for len(out) > 0 {
			prev := out[len(out)-1]
			if prev.EndAddr <= m.StartAddr {
				break
			}
			if prev.StartAddr >= m.StartAddr {
				// Fully shadowed by the later entry.
				out = out[:len(out)-1]
				continue
			}
			prev.EndAddr = m.StartAddr
			break
		}
		out = append(out, m)
	}
	*ms = out
}

// MappingForAddr returns the mapping that contains the given address, or nil.
func (ms Mappings) MappingForAddr(addr uint64) *Mapping {
	// The slice is sorted and overlap-free; find the last mapping starting at
	// or before addr.
	idx := sort.Search(len(ms), func(i int) bool {
		return uint64(ms[i].StartAddr) > addr
	})
	if idx == 0 {
		return nil
	}
	m := ms[idx-1]
	if addr >= uint64(m.EndAddr) {
		return nil
	}
	return m
}

// executableInfo is what address normalization needs from the mapped ELF
// file: its link type and the load segment backing the mapping.
type executableInfo struct {
	elfType elf.Type

	hasLoadSegment bool
	segOffset      uint64
	segVaddr       uint64
}

type Mapping struct {
	mm *MapManager

	*procfs.ProcMap

	PID int

	// Populated when the mapping refers to a symbolizable file.
	BuildID string

	once  *sync.Once
	ei    executableInfo
	eiSet bool
	eiErr error
}

// newUserMapping makes sure the mapped file is open and its build id known.
func (mm *MapManager) newUserMapping(pm *procfs.ProcMap, pid int) (*Mapping, error) {
	m := &Mapping{
		mm:      mm,
		ProcMap: pm,
		PID:     pid,
		once:    &sync.Once{},
	}

	if !m.isSymbolizable() { // No need to open unsymbolizable mappings.
		return m, nil
	}

	obj, err := m.mm.objFilePool.Open(m.AbsolutePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open mapped object file: %w", err)
	}

	m.BuildID = obj.BuildID
	return m, nil
}

// IsSymbolizable returns true if the mapping refers to an executable, mapped
// file that we can resolve symbols against.
func (m *Mapping) IsSymbolizable() bool {
	return m.isSymbolizable()
}

func (m *Mapping) isExecutable() bool {
	return m.Perms.Execute
}

func (m *Mapping) isSymbolizable() bool {
	return doesReferToFile(m.Pathname) && m.isExecutable()
}

func doesReferToFile(path string) bool {
	path = strings.TrimSpace(path)
	return path != "" &&
		path != "jit" &&
		!strings.HasPrefix(path, "[") &&
		!strings.HasPrefix(path, "anon_inode:[") &&
		!strings.Contains(path, "(deleted)") &&
		!strings.Contains(path, "memfd:")
	// NOTICE: Add more patterns when needed.
}

// Root returns the root filesystem of the process that owns the mapping.
func (m *Mapping) Root() string {
	return path.Join("/proc", strconv.Itoa(m.PID), "/root")
}

// AbsolutePath returns the mapped file's path as reachable from the root
// namespace of the system.
func (m *Mapping) AbsolutePath() string {
	return path.Join("/proc", strconv.Itoa(m.PID), "/root", m.Pathname)
}

// findProgramHeader returns the loadable program segment that backs the
// mapping and covers the given address.
func (m *Mapping) findProgramHeader(ef *elf.File, addr uint64) (*elf.ProgHeader, error) {
	// For user space executables, we try to find the actual program segment
	// that is associated with the given mapping. Skip this search if limit <=
	// start.
	if m.StartAddr >= m.EndAddr || uint64(m.EndAddr) >= (uint64(1)<<63) {
		return elfreader.FindTextProgHeader(ef), nil
	}

	var phdrs []elf.ProgHeader
	for i := range ef.Progs {
		if ef.Progs[i].Type == elf.PT_LOAD {
			phdrs = append(phdrs, ef.Progs[i].ProgHeader)
		}
	}
	// Some ELF files don't contain any loadable program segments, e.g. .ko
	// kernel modules. It's not an error to have no header in such cases.
	if len(phdrs) == 0 {
		return nil, nil //nolint:nilnil
	}
	headers := elfreader.ProgramHeadersForMapping(phdrs, uint64(m.Offset), uint64(m.EndAddr)-uint64(m.StartAddr))
	if len(headers) == 0 {
		return nil, errors.New("no program header matches mapping info")
	}
	if len(headers) == 1 {
		return headers[0], nil
	}

	// Use the file offset corresponding to the address to symbolize, to
	// narrow down the header.
	return elfreader.HeaderForFileOffset(headers, addr-uint64(m.StartAddr)+uint64(m.Offset))
}

// Normalize converts the given absolute address to the address relative to
// the link-time layout of the mapped object file, which is what symbol tables
// and line tables are expressed in.
func (m *Mapping) Normalize(addr uint64) (uint64, error) {
	ei, err := m.executableInfo(addr)
	if err != nil {
		return 0, err
	}

	base := m.base(ei)
	return addr - base, nil
}

// base returns the runtime load bias of the mapping.
func (m *Mapping) base(ei executableInfo) uint64 {
	if ei.elfType == elf.ET_EXEC {
		// Fixed-position executables are loaded at their link-time addresses.
		return 0
	}
	if !ei.hasLoadSegment {
		return uint64(m.StartAddr) - uint64(m.Offset)
	}
	// The mapping places file offset m.Offset at virtual address
	// m.StartAddr; the load segment places file offset segOffset at
	// link-time address segVaddr.
	return uint64(m.StartAddr) - ei.segVaddr - (uint64(m.Offset) - ei.segOffset)
}

func (m *Mapping) executableInfo(addr uint64) (executableInfo, error) {
	if m.eiSet {
		return m.ei, m.eiErr
	}

	m.once.Do(func() {
		defer func() {
			m.eiSet = true
			if m.eiErr != nil {
				m.mm.metrics.baseCalculationError.Inc()
			} else {
				m.mm.metrics.baseCalculationSuccess.Inc()
			}
		}()

		if !m.isSymbolizable() {
			m.eiErr = fmt.Errorf("mapping %q is not symbolizable", m.Pathname)
			return
		}

		obj, err := m.mm.objFilePool.Open(m.AbsolutePath())
		if err != nil {
			m.eiErr = fmt.Errorf("failed to open mapped object file: %w", err)
			return
		}
		ef := obj.ElfFile

		if addr < uint64(m.StartAddr) || addr >= uint64(m.EndAddr) {
			m.eiErr = fmt.Errorf("specified address %x is outside the mapping range [%x, %x]", addr, m.StartAddr, m.EndAddr)
			return
		}

		loadSegment, err := m.findProgramHeader(ef, addr)
		if err != nil {
			m.eiErr = fmt.Errorf("failed to find program header for mapping %#v: %w", m, err)
			return
		}

		m.ei = executableInfo{elfType: ef.FileHeader.Type}
		if loadSegment != nil {
			m.ei.hasLoadSegment = true
			m.ei.segOffset = loadSegment.Off
			m.ei.segVaddr = loadSegment.Vaddr
		}
	})

	return m.ei, m.eiErr
}
