package elf

import (
	"debug/elf"
	"math"
)

const defaultPageSize = 0x1000

// BinaryLayout describes the loadable segments of an ELF file. Module
// relative addresses are offsets from the image base, the page-aligned
// virtual address of the first PT_LOAD segment. This matches how a loader
// maps the file: the load base reported by a profiler is where that
// segment ended up in memory.
type BinaryLayout struct {
	ElfType        elf.Type
	ProgramHeaders []MemoryRegion
}

// MemoryRegion is one PT_LOAD segment.
type MemoryRegion struct {
	Off    uint64 // File offset
	Vaddr  uint64 // Virtual address
	Filesz uint64 // Size in file
	Memsz  uint64 // Size in memory (may be larger than Filesz due to .bss)
	Align  uint64
	Flags  elf.ProgFlag
}

func LayoutFromELF(f *elf.File) *BinaryLayout {
	loadable := make([]MemoryRegion, 0, len(f.Progs))
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		loadable = append(loadable, MemoryRegion{
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
			Flags:  p.Flags,
		})
	}
	return &BinaryLayout{
		ElfType:        f.Type,
		ProgramHeaders: loadable,
	}
}

// ImageBase returns the address module-relative offsets are measured from.
// Files without program headers (relocatable objects, some debug files)
// have a base of zero.
func (l *BinaryLayout) ImageBase() uint64 {
	base := uint64(math.MaxUint64)
	for _, h := range l.ProgramHeaders {
		page := uint64(defaultPageSize)
		if h.Align > 1 && h.Align&(h.Align-1) == 0 && h.Align < page {
			page = h.Align
		}
		if b := h.Vaddr &^ (page - 1); b < base {
			base = b
		}
	}
	if base == math.MaxUint64 {
		return 0
	}
	return base
}

// FindProgramHeader returns the segment containing the virtual address.
func (l *BinaryLayout) FindProgramHeader(addr uint64) *MemoryRegion {
	for i := range l.ProgramHeaders {
		h := &l.ProgramHeaders[i]
		if h.Vaddr <= addr && addr < h.Vaddr+h.Memsz {
			return h
		}
	}
	return nil
}
