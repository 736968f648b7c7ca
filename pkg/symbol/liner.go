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
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"sort"

	"github.com/go-kit/log/level"

	"github.com/flamelet/flamelet/pkg/elfutils"
	"github.com/flamelet/flamelet/pkg/objectfile"
	"github.com/flamelet/flamelet/pkg/process"
)

var (
	errNoLiner         = errors.New("no source of symbols in object file")
	errNoSymbolCovers  = errors.New("no symbol covers the address")
	errNoDebugCovers   = errors.New("no debug entry covers the address")
	errNoTextSection   = errors.New("object file has no text section")
	errNoGoSymbolTable = errors.New("object file has no Go symbol table")
)

// SourceLine is one logical frame a liner resolved an address to.
type SourceLine struct {
	Function string
	File     string
	Line     int64
	Inlined  bool
}

// liner maps a link-time address to the logical frames covering it,
// innermost first.
type liner interface {
	PCToLines(pc uint64) ([]SourceLine, error)
}

// newLiner picks the richest available symbol source for the object file:
// DWARF (in the file itself or in a split debug file), the Go runtime's
// pclntab, and finally the plain ELF symbol table.
func (s *Symbolizer) newLiner(m *process.Mapping, obj *objectfile.ObjectFile) (liner, error) {
	ef := obj.ElfFile

	if elfutils.HasDWARF(ef) {
		ln, err := newDWARFLiner(ef)
		if err == nil {
			return ln, nil
		}
		level.Debug(s.logger).Log("msg", "failed to read DWARF data", "path", obj.Path, "err", err)
	} else if debugPath, ok := findDebugFile(m.Root(), m.Pathname, obj.BuildID, s.debugDirs); ok {
		ln, err := newSplitDWARFLiner(debugPath)
		if err == nil {
			return ln, nil
		}
		level.Debug(s.logger).Log("msg", "failed to read split debug file", "path", debugPath, "err", err)
	}

	if elfutils.HasGoPclntab(ef) {
		ln, err := newGoLiner(ef)
		if err == nil {
			return ln, nil
		}
		level.Debug(s.logger).Log("msg", "failed to read Go pclntab", "path", obj.Path, "err", err)
	}

	if elfutils.HasSymtab(ef) {
		ln, err := newSymtabLiner(ef)
		if err == nil {
			return ln, nil
		}
		level.Debug(s.logger).Log("msg", "failed to read ELF symbol table", "path", obj.Path, "err", err)
	}

	return nil, errNoLiner
}

// goLiner resolves addresses through the Go runtime's pclntab, which
// survives stripping.
type goLiner struct {
	table *gosym.Table
}

func newGoLiner(ef *elf.File) (*goLiner, error) {
	text := ef.Section(".text")
	if text == nil {
		return nil, errNoTextSection
	}
	pclntab := ef.Section(".gopclntab")
	if pclntab == nil {
		return nil, errNoGoSymbolTable
	}
	pclntabData, err := pclntab.Data()
	if err != nil {
		return nil, fmt.Errorf("read .gopclntab: %w", err)
	}

	// .gosymtab is empty since Go 1.3, but the table constructor wants it.
	var symtabData []byte
	if symtab := ef.Section(".gosymtab"); symtab != nil {
		symtabData, _ = symtab.Data()
	}

	table, err := gosym.NewTable(symtabData, gosym.NewLineTable(pclntabData, text.Addr))
	if err != nil {
		return nil, fmt.Errorf("parse Go symbol table: %w", err)
	}
	return &goLiner{table: table}, nil
}

func (g *goLiner) PCToLines(pc uint64) ([]SourceLine, error) {
	file, line, fn := g.table.PCToLine(pc)
	if fn == nil {
		return nil, errNoSymbolCovers
	}
	return []SourceLine{{
		Function: fn.Name,
		File:     file,
		Line:     int64(line),
	}}, nil
}

type elfSymbol struct {
	addr uint64
	size uint64
	name string
}

// symtabLiner resolves addresses through .symtab and .dynsym. It yields
// function names only, no source locations.
type symtabLiner struct {
	// Sorted by address.
	symbols []elfSymbol
}

func newSymtabLiner(ef *elf.File) (*symtabLiner, error) {
	var symbols []elfSymbol
	appendSymbols := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
				continue
			}
			symbols = append(symbols, elfSymbol{addr: sym.Value, size: sym.Size, name: sym.Name})
		}
	}

	syms, err := ef.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read .symtab: %w", err)
	}
	appendSymbols(syms)

	dynSyms, err := ef.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read .dynsym: %w", err)
	}
	appendSymbols(dynSyms)

	if len(symbols) == 0 {
		return nil, errNoLiner
	}

	sort.Slice(symbols, func(i, j int) bool { return symbols[i].addr < symbols[j].addr })
	return &symtabLiner{symbols: symbols}, nil
}

func (s *symtabLiner) PCToLines(pc uint64) ([]SourceLine, error) {
	// Last symbol starting at or before pc.
	idx := sort.Search(len(s.symbols), func(i int) bool {
		return s.symbols[i].addr > pc
	})
	if idx == 0 {
		return nil, errNoSymbolCovers
	}
	sym := s.symbols[idx-1]
	// Symbols with a zero size are common in hand-written assembly; accept
	// them as covering everything up to the next symbol.
	if sym.size > 0 && pc >= sym.addr+sym.size {
		return nil, errNoSymbolCovers
	}
	return []SourceLine{{Function: sym.name}}, nil
}
