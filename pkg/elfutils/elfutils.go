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

package elfutils

import (
	"debug/elf"
	"errors"
)

// HasDWARF reports whether the file carries DWARF debug information of its
// own. Many distribution binaries ship stripped, with the debug sections
// split into a separate file.
func HasDWARF(ef *elf.File) bool {
	for _, section := range ef.Sections {
		if section.Name == ".debug_info" || section.Name == ".zdebug_info" {
			return true
		}
	}
	return false
}

// HasGoPclntab reports whether the file carries the Go runtime's PC to line
// table. It is present even in stripped Go binaries.
func HasGoPclntab(ef *elf.File) bool {
	return ef.Section(".gopclntab") != nil
}

// IsGo reports whether the file was produced by the Go toolchain.
func IsGo(ef *elf.File) bool {
	// .note.go.buildid is inserted by the linker since Go 1.5.
	if ef.Section(".note.go.buildid") != nil {
		return true
	}

	// If the binary is stripped of notes, look for well known runtime
	// symbols instead.
	symbols, err := ef.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return false
	}
	for _, sym := range symbols {
		name := sym.Name
		if name == "runtime.main" || name == "main.main" ||
			name == "runtime.buildVersion" {
			return true
		}
	}
	return false
}

// HasSymtab reports whether the file carries a symbol table, static or
// dynamic.
func HasSymtab(ef *elf.File) bool {
	for _, section := range ef.Sections {
		if section.Type == elf.SHT_SYMTAB || section.Type == elf.SHT_DYNSYM {
			return true
		}
	}
	return false
}
