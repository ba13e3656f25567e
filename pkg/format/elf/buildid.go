package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

type BuildID struct {
	ID  string
	Typ string
}

func GNUBuildID(s string) BuildID {
	return BuildID{ID: s, Typ: "gnu"}
}

func GoBuildID(s string) BuildID {
	return BuildID{ID: s, Typ: "go"}
}

func (b *BuildID) Empty() bool {
	return b.ID == "" || b.Typ == ""
}

func (b *BuildID) GNU() bool {
	return b.Typ == "gnu"
}

// HexID returns the identifier in the hex form used as a module identity.
// Go build ids are textual and get hex encoded.
func (b *BuildID) HexID() string {
	if b.GNU() {
		return b.ID
	}
	return hex.EncodeToString([]byte(b.ID))
}

var ErrNoBuildIDSection = fmt.Errorf("build ID section not found")

const ntGNUBuildID = 3

// ReadBuildID returns the GNU build id, falling back to the Go build id.
func ReadBuildID(f *elf.File) (BuildID, error) {
	id, err := readGNUBuildID(f)
	if err != nil && !errors.Is(err, ErrNoBuildIDSection) {
		return BuildID{}, err
	}
	if !id.Empty() {
		return id, nil
	}
	id, err = readGoBuildID(f)
	if err != nil && !errors.Is(err, ErrNoBuildIDSection) {
		return BuildID{}, err
	}
	if !id.Empty() {
		return id, nil
	}
	return BuildID{}, ErrNoBuildIDSection
}

var goBuildIDSep = []byte("/")

func readGoBuildID(f *elf.File) (BuildID, error) {
	s := f.Section(".note.go.buildid")
	if s == nil {
		return BuildID{}, ErrNoBuildIDSection
	}
	data, err := s.Data()
	if err != nil {
		return BuildID{}, fmt.Errorf("reading .note.go.buildid %w", err)
	}
	if len(data) < 17 {
		return BuildID{}, fmt.Errorf(".note.go.buildid is too small")
	}

	data = bytes.TrimRight(data[16:], "\x00")
	if len(data) < 40 || bytes.Count(data, goBuildIDSep) < 2 {
		return BuildID{}, fmt.Errorf("wrong .note.go.buildid")
	}
	id := string(data)
	if id == "redacted" {
		return BuildID{}, fmt.Errorf("redacted .note.go.buildid")
	}
	return GoBuildID(id), nil
}

func readGNUBuildID(f *elf.File) (BuildID, error) {
	var notes [][]byte
	if s := f.Section(".note.gnu.build-id"); s != nil {
		data, err := s.Data()
		if err != nil {
			return BuildID{}, fmt.Errorf("reading .note.gnu.build-id %w", err)
		}
		notes = append(notes, data)
	} else {
		// Stripped section headers: fall back to PT_NOTE segments.
		for _, p := range f.Progs {
			if p.Type != elf.PT_NOTE || p.Filesz == 0 {
				continue
			}
			data := make([]byte, p.Filesz)
			if _, err := p.ReadAt(data, 0); err != nil {
				continue
			}
			notes = append(notes, data)
		}
	}
	if len(notes) == 0 {
		return BuildID{}, ErrNoBuildIDSection
	}
	for _, data := range notes {
		if raw, ok := findGNUNote(data, f.ByteOrder); ok {
			// 8 bytes is xxhash, for example in Container-Optimized OS
			if len(raw) != 20 && len(raw) != 8 && len(raw) != 16 {
				return BuildID{}, fmt.Errorf(".note.gnu.build-id has wrong size %d", len(raw))
			}
			return GNUBuildID(hex.EncodeToString(raw)), nil
		}
	}
	return BuildID{}, ErrNoBuildIDSection
}

// findGNUNote walks a note section looking for NT_GNU_BUILD_ID.
func findGNUNote(data []byte, order binary.ByteOrder) ([]byte, bool) {
	for len(data) >= 12 {
		namesz := order.Uint32(data[0:])
		descsz := order.Uint32(data[4:])
		typ := order.Uint32(data[8:])
		nameEnd := 12 + align4(uint64(namesz))
		descEnd := nameEnd + align4(uint64(descsz))
		if nameEnd+uint64(descsz) > uint64(len(data)) {
			return nil, false
		}
		name := data[12 : 12+namesz]
		if typ == ntGNUBuildID && bytes.Equal(bytes.TrimRight(name, "\x00"), []byte("GNU")) {
			return data[nameEnd : nameEnd+uint64(descsz)], true
		}
		if descEnd > uint64(len(data)) {
			return nil, false
		}
		data = data[descEnd:]
	}
	return nil, false
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}
