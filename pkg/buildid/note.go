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

package buildid

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// NT_GNU_BUILD_ID, found in .note.gnu.build-id notes named "GNU".
	noteTypeGNUBuildID = 3
	// Go's build id note type, found in .note.go.buildid notes named "Go".
	noteTypeGoBuildID = 4
)

type elfNote struct {
	Name string
	Desc []byte
	Type uint32
}

// parseNotes returns the notes from a SHT_NOTE section or PT_NOTE segment.
func parseNotes(reader io.Reader, alignment int, order binary.ByteOrder) ([]elfNote, error) {
	r := bufio.NewReader(reader)

	// padding aligns a note's name or desc field to the note alignment,
	// which in practice is always 4 bytes.
	padding := func(n int) int {
		return ((n + 3) / 4 * 4) - n
	}

	var notes []elfNote
	for {
		noteHeader := make([]byte, 12)
		if _, err := io.ReadFull(r, noteHeader); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}
		namesz := order.Uint32(noteHeader[0:4])
		descsz := order.Uint32(noteHeader[4:8])
		typ := order.Uint32(noteHeader[8:12])

		if uint64(namesz) > uint64(maxNoteSize) {
			return nil, fmt.Errorf("note name too long (%d bytes)", namesz)
		}
		var name string
		if namesz > 0 {
			// Documentation differs as to whether namesz is meant to include
			// the trailing zero, but everyone agrees the name is
			// null-terminated, so drop it.
			nameBuf := make([]byte, namesz)
			if _, err := io.ReadFull(r, nameBuf); err != nil {
				return nil, err
			}
			name = string(nameBuf[:namesz-1])
		}

		// Drop padding bytes until the desc field.
		for n := padding(len(noteHeader) + int(namesz)); n > 0; n-- {
			if _, err := r.ReadByte(); errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("missing %d bytes of padding after note name", n)
			} else if err != nil {
				return nil, err
			}
		}

		if uint64(descsz) > uint64(maxNoteSize) {
			return nil, fmt.Errorf("note desc too long (%d bytes)", descsz)
		}
		desc := make([]byte, descsz)
		if _, err := io.ReadFull(r, desc); err != nil {
			return nil, err
		}
		notes = append(notes, elfNote{Name: name, Desc: desc, Type: typ})

		// Drop padding bytes until the next note or the end of the section,
		// whichever comes first.
		for n := padding(len(desc)); n > 0; n-- {
			if _, err := r.ReadByte(); errors.Is(err, io.EOF) {
				// We hit the end of the section before an alignment boundary.
				// This can happen if this section is at the end of the file or
				// the next section has a smaller alignment requirement.
				break
			} else if err != nil {
				return nil, err
			}
		}
	}
	return notes, nil
}

const maxNoteSize = 1 << 20

func findInNotes(f *elf.File, section string, find func(notes []elfNote) ([]byte, error)) ([]byte, error) {
	s := f.Section(section)
	if s == nil {
		return nil, fmt.Errorf("failed to find %s section", section)
	}

	notes, err := parseNotes(s.Open(), int(s.Addralign), f.ByteOrder)
	if err != nil {
		return nil, err
	}
	if b, err := find(notes); b != nil || err != nil {
		return b, err
	}

	return nil, errNoBuildID
}
