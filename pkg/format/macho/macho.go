// Package macho reads Mach-O images and dSYM companions, thin or
// universal.
package macho

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/ianlancetaylor/demangle"

	"github.com/grafana/symbolicator/pkg/debuginfo"
	"github.com/grafana/symbolicator/pkg/format/dwarf"
)

const (
	sectionAttrPureInstructions = 0x80000000
	sectionAttrSomeInstructions = 0x00000400
)

// Parse reads a Mach-O file. For universal binaries the slice matching
// arch is used, or the first slice when arch is empty or absent.
func Parse(data []byte, arch string) (*debuginfo.Container, error) {
	r := bytes.NewReader(data)
	f, err := openSlice(r, arch)
	if err != nil {
		return nil, err
	}
	return read(f)
}

func openSlice(r io.ReaderAt, arch string) (*macho.File, error) {
	ff, err := macho.NewFatFile(r)
	if err == nil {
		if len(ff.Arches) == 0 {
			return nil, debuginfo.Errorf(debuginfo.FormatMachO, debuginfo.InternalInconsistency, "universal binary without slices")
		}
		for _, a := range ff.Arches {
			if arch != "" && archName(a.CPU) == arch {
				return a.File, nil
			}
		}
		return ff.Arches[0].File, nil
	}
	if !errors.Is(err, macho.ErrNotFat) {
		return nil, classify(err)
	}
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, classify(err)
	}
	return f, nil
}

func read(f *macho.File) (*debuginfo.Container, error) {
	var id debuginfo.Identity
	if u := f.UUID(); u != nil {
		if norm, err := debuginfo.NormalizeID(u.String()); err == nil {
			id.ID = norm
		}
	}

	var base uint64
	if text := f.Segment("__TEXT"); text != nil {
		base = text.Addr
	}

	b := debuginfo.NewBuilder(debuginfo.FormatMachO, id)
	b.SetArch(archName(f.CPU))

	// Section numbers in nlist entries are 1-based indexes into this list.
	executable := make(map[int]bool)
	for i, s := range f.Sections {
		if uint32(s.Flags)&(sectionAttrPureInstructions|sectionAttrSomeInstructions) == 0 {
			continue
		}
		executable[i+1] = true
		if s.Addr < base || s.Size == 0 {
			continue
		}
		sec := debuginfo.Section{Name: s.Seg + "," + s.Name, Addr: s.Addr - base, Size: s.Size}
		if s.Name == "__text" && s.Offset != 0 {
			if code, err := s.Data(); err == nil && uint64(len(code)) == s.Size {
				sec.Data = code
			}
		}
		b.AddSection(sec)
	}

	if f.Symtab != nil {
		for _, s := range f.Symtab.Syms {
			if s.Type.IsDebugSym() || !s.Type.IsDefinedInSection() {
				continue
			}
			if !executable[int(s.Sect)] || s.Value < base || s.Name == "" {
				continue
			}
			b.AddSymbol(s.Value-base, 0, symbolName(s.Name))
		}
	}

	if d, err := debugData(f); err == nil && d != nil {
		// Broken units are skipped; whatever decoded is kept.
		_ = dwarf.Load(d, base, b)
	}

	return b.Build(), nil
}

// symbolName strips the C symbol prefix and demangles C++, Rust and Swift
// names where possible.
func symbolName(name string) string {
	name = strings.TrimPrefix(name, "_")
	if strings.HasPrefix(name, "_Z") || strings.HasPrefix(name, "_R") {
		return demangle.Filter(name)
	}
	return name
}

func classify(err error) error {
	var fe *macho.FormatError
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return debuginfo.AsParseError(debuginfo.FormatMachO, debuginfo.Truncated, err)
	case errors.As(err, &fe) && strings.Contains(fe.Error(), "magic"):
		return debuginfo.AsParseError(debuginfo.FormatMachO, debuginfo.BadMagic, err)
	}
	return debuginfo.AsParseError(debuginfo.FormatMachO, debuginfo.InternalInconsistency, err)
}

func archName(cpu types.CPU) string {
	switch cpu {
	case types.CPUAmd64:
		return "x86_64"
	case types.CPUI386:
		return "x86"
	case types.CPUArm64:
		return "arm64"
	case types.CPUArm:
		return "arm"
	default:
		return strings.ToLower(cpu.String())
	}
}
