// Package machotest writes minimal Mach-O images for reader tests.
package machotest

import (
	"bytes"
	"encoding/binary"
	"sort"
)

const (
	TextVMAddr  = 0x100000000
	TextSectOff = 0xf00
	TextSize    = 0x100

	// DWARFVMAddr is where the __DWARF segment is mapped; debug sections
	// are not loaded so only the file offsets matter.
	DWARFVMAddr = 0x100004000
)

const (
	NSect = 0x0e
	NExt  = 0x01
	NFun  = 0x24
)

const (
	lcSegment64 = 0x19
	lcSymtab    = 0x2
	lcUUID      = 0x1b

	segCmdSize  = 72
	sectSize    = 80
	symtabSize  = 24
	uuidCmdSize = 24

	sectAttrDebug = 0x02000000
)

type Nlist struct {
	Name  string
	Type  uint8
	Sect  uint8
	Value uint64
}

func fixedString(s string) [16]byte {
	var out [16]byte
	copy(out[:], s)
	return out
}

type segment struct {
	Cmd, Len                    uint32
	Name                        [16]byte
	Addr, Memsz, Offset, Filesz uint64
	Maxprot, Prot, Nsect, Flag  uint32
}

type section struct {
	Name, Seg                            [16]byte
	Addr, Size                           uint64
	Offset, Align, Reloff, Nreloc, Flags uint32
	Reserved1, Reserved2, Reserved3      uint32
}

// Write produces an x86-64 executable with a __TEXT segment holding one
// __text section, a symbol table and an LC_UUID. Each entry of debug, keyed
// by its name without the prefix ("info", "line", ...), becomes a
// __debug_<name> section of a __DWARF segment.
func Write(uuid [16]byte, syms []Nlist, debug map[string][]byte) []byte {
	le := binary.LittleEndian

	symoff := uint32(TextSectOff + TextSize)
	strtab := []byte{' ', 0}
	var nlists bytes.Buffer
	for _, s := range syms {
		strx := uint32(len(strtab))
		strtab = append(append(strtab, s.Name...), 0)
		_ = binary.Write(&nlists, le, struct {
			Strx  uint32
			Type  uint8
			Sect  uint8
			Desc  uint16
			Value uint64
		}{strx, s.Type, s.Sect, 0, s.Value})
	}
	stroff := symoff + uint32(nlists.Len())
	textFilesz := uint64(stroff) + uint64(len(strtab))

	names := make([]string, 0, len(debug))
	for name := range debug {
		names = append(names, name)
	}
	sort.Strings(names)
	dwarfOff := (textFilesz + 7) &^ 7
	var dwarfSize uint64
	for _, name := range names {
		dwarfSize += uint64(len(debug[name]))
	}

	ncmds, cmdsSize := uint32(3), uint32(segCmdSize+sectSize+symtabSize+uuidCmdSize)
	if len(names) > 0 {
		ncmds++
		cmdsSize += segCmdSize + sectSize*uint32(len(names))
	}

	var buf bytes.Buffer
	w := func(v any) { _ = binary.Write(&buf, le, v) }
	w(struct {
		Magic, CPU, SubCPU, Type, NCmds, SizeCmds, Flags, Reserved uint32
	}{0xfeedfacf, 0x01000007, 3, 2, ncmds, cmdsSize, 0, 0})

	w(segment{lcSegment64, segCmdSize + sectSize, fixedString("__TEXT"), TextVMAddr, 0x2000, 0, textFilesz, 5, 5, 1, 0})
	w(section{
		Name: fixedString("__text"), Seg: fixedString("__TEXT"),
		Addr: TextVMAddr + TextSectOff, Size: TextSize,
		Offset: TextSectOff, Align: 4, Flags: 0x80000400,
	})

	if len(names) > 0 {
		w(segment{lcSegment64, segCmdSize + sectSize*uint32(len(names)), fixedString("__DWARF"), DWARFVMAddr, dwarfSize, dwarfOff, dwarfSize, 7, 3, uint32(len(names)), 0})
		off := dwarfOff
		for _, name := range names {
			size := uint64(len(debug[name]))
			w(section{
				Name: fixedString("__debug_" + name), Seg: fixedString("__DWARF"),
				Addr: DWARFVMAddr + off - dwarfOff, Size: size,
				Offset: uint32(off), Flags: sectAttrDebug,
			})
			off += size
		}
	}

	w(struct{ Cmd, Len, Symoff, Nsyms, Stroff, Strsize uint32 }{lcSymtab, symtabSize, symoff, uint32(len(syms)), stroff, uint32(len(strtab))})
	w(struct {
		Cmd, Len uint32
		UUID     [16]byte
	}{lcUUID, uuidCmdSize, uuid})

	out := make([]byte, TextSectOff)
	copy(out, buf.Bytes())
	out = append(out, bytes.Repeat([]byte{0xc3}, TextSize)...)
	out = append(out, nlists.Bytes()...)
	out = append(out, strtab...)
	out = append(out, make([]byte, dwarfOff-textFilesz)...)
	for _, name := range names {
		out = append(out, debug[name]...)
	}
	return out
}
