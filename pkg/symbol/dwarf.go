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
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sync"
)

// dwarfLiner resolves addresses through DWARF line tables and expands
// inlined call chains. dwarf.Data reads the debug sections up front, so the
// liner stays valid after the object file is evicted from the pool.
type dwarfLiner struct {
	mtx  sync.Mutex
	data *dwarf.Data
}

func newDWARFLiner(ef *elf.File) (*dwarfLiner, error) {
	data, err := ef.DWARF()
	if err != nil {
		return nil, fmt.Errorf("read DWARF data: %w", err)
	}
	return &dwarfLiner{data: data}, nil
}

// newSplitDWARFLiner reads DWARF data out of a separate debug file, as
// produced by objcopy --only-keep-debug and shipped in distro -dbg packages.
func newSplitDWARFLiner(path string) (*dwarfLiner, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open debug file: %w", err)
	}
	// dwarf.Data holds copies of the sections, the file can go.
	defer ef.Close()
	return newDWARFLiner(ef)
}

type inlinedCall struct {
	name     string
	callFile string
	callLine int64
}

func (d *dwarfLiner) PCToLines(pc uint64) ([]SourceLine, error) {
	// dwarf.Reader is stateful and LineReader seeks are not safe to
	// interleave, so hold the liner for the whole query.
	d.mtx.Lock()
	defer d.mtx.Unlock()

	reader := d.data.Reader()
	cu, err := reader.SeekPC(pc)
	if err != nil || cu == nil {
		return nil, errNoDebugCovers
	}

	lineReader, err := d.data.LineReader(cu)
	if err != nil {
		return nil, fmt.Errorf("read line table: %w", err)
	}
	var (
		lineEntry dwarf.LineEntry
		haveLine  bool
	)
	if lineReader != nil {
		if err := lineReader.SeekPC(pc, &lineEntry); err == nil {
			haveLine = true
		}
	}

	subprogram, err := d.findSubprogram(reader, pc)
	if err != nil {
		return nil, err
	}
	if subprogram == nil {
		if !haveLine {
			return nil, errNoDebugCovers
		}
		// The line table covers the pc but no subprogram entry does. Keep
		// the location and let the name degrade.
		return []SourceLine{{File: lineEntry.File.Name, Line: int64(lineEntry.Line)}}, nil
	}

	chain := d.inlinedChain(reader, subprogram, pc, lineReader)

	curFile := ""
	curLine := int64(0)
	if haveLine {
		curFile = lineEntry.File.Name
		curLine = int64(lineEntry.Line)
	}

	lines := make([]SourceLine, 0, len(chain)+1)
	// The line table locates the innermost inlined function; each inlined
	// entry's call_file/call_line locates its call site one level out.
	for i := len(chain) - 1; i >= 0; i-- {
		lines = append(lines, SourceLine{
			Function: chain[i].name,
			File:     curFile,
			Line:     curLine,
			Inlined:  true,
		})
		curFile = chain[i].callFile
		curLine = chain[i].callLine
	}
	lines = append(lines, SourceLine{
		Function: d.entryName(subprogram, 0),
		File:     curFile,
		Line:     curLine,
	})
	return lines, nil
}

// findSubprogram scans the compile unit the reader is positioned in for the
// subprogram whose range covers pc, leaving the reader positioned at its
// children.
func (d *dwarfLiner) findSubprogram(reader *dwarf.Reader, pc uint64) (*dwarf.Entry, error) {
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, fmt.Errorf("walk debug entries: %w", err)
		}
		if entry == nil || entry.Tag == dwarf.TagCompileUnit {
			return nil, nil
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		ranges, err := d.data.Ranges(entry)
		if err != nil {
			continue
		}
		if rangesContain(ranges, pc) {
			return entry, nil
		}
		reader.SkipChildren()
	}
}

// inlinedChain collects the inlined subroutines covering pc inside the
// subprogram the reader is positioned at, outermost first.
func (d *dwarfLiner) inlinedChain(reader *dwarf.Reader, subprogram *dwarf.Entry, pc uint64, lineReader *dwarf.LineReader) []inlinedCall {
	if !subprogram.Children {
		return nil
	}

	var files []*dwarf.LineFile
	if lineReader != nil {
		files = lineReader.Files()
	}

	var chain []inlinedCall
	depth := 0
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			return chain
		}
		if entry.Tag == 0 {
			depth--
			if depth < 0 {
				return chain
			}
			continue
		}

		if entry.Tag == dwarf.TagInlinedSubroutine {
			ranges, err := d.data.Ranges(entry)
			if err == nil && rangesContain(ranges, pc) {
				call := inlinedCall{name: d.entryName(entry, 0)}
				if idx, ok := entry.Val(dwarf.AttrCallFile).(int64); ok &&
					idx >= 0 && int(idx) < len(files) && files[idx] != nil {
					call.callFile = files[idx].Name
				}
				if line, ok := entry.Val(dwarf.AttrCallLine).(int64); ok {
					call.callLine = line
				}
				chain = append(chain, call)
				if entry.Children {
					depth++
				}
				continue
			}
		}

		if entry.Children {
			reader.SkipChildren()
		}
	}
}

// entryName resolves the subject name of a debug entry, chasing abstract
// origin and specification references for out-of-line definitions.
func (d *dwarfLiner) entryName(entry *dwarf.Entry, depth int) string {
	if name, ok := entry.Val(dwarf.AttrName).(string); ok {
		return name
	}
	if depth >= 4 {
		return ""
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrAbstractOrigin, dwarf.AttrSpecification} {
		offset, ok := entry.Val(attr).(dwarf.Offset)
		if !ok {
			continue
		}
		reader := d.data.Reader()
		reader.Seek(offset)
		referenced, err := reader.Next()
		if err != nil || referenced == nil {
			continue
		}
		if name := d.entryName(referenced, depth+1); name != "" {
			return name
		}
	}
	return ""
}

func rangesContain(ranges [][2]uint64, pc uint64) bool {
	for _, r := range ranges {
		if pc >= r[0] && pc < r[1] {
			return true
		}
	}
	return false
}
