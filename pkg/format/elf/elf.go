// Package elf reads ELF executables, shared objects and separate debug
// files.
package elf

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/ulikunitz/xz"

	"github.com/grafana/symbolicator/pkg/debuginfo"
	"github.com/grafana/symbolicator/pkg/format/dwarf"
)

const sttGNUIFunc = elf.SymType(10)

// Parse reads symbols, line tables and inline data from an ELF image.
// Addresses in the result are relative to the image base.
func Parse(data []byte) (*debuginfo.Container, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, classify(err)
	}
	defer f.Close()

	layout := LayoutFromELF(f)
	base := layout.ImageBase()

	var id debuginfo.Identity
	if bid, err := ReadBuildID(f); err == nil {
		id.ID = bid.HexID()
	}

	b := debuginfo.NewBuilder(debuginfo.FormatELF, id)
	b.SetArch(archName(f.Machine))

	for _, s := range f.Sections {
		if s.Flags&elf.SHF_EXECINSTR == 0 || s.Size == 0 || s.Addr < base {
			continue
		}
		sec := debuginfo.Section{Name: s.Name, Addr: s.Addr - base, Size: s.Size}
		if s.Type == elf.SHT_PROGBITS {
			if code, err := s.Data(); err == nil {
				sec.Data = code
			}
		}
		b.AddSection(sec)
	}

	st := &symbolTable{f: f, base: base, layout: layout, b: b}
	st.addSymbols(f.Symbols)
	st.addSymbols(f.DynamicSymbols)
	if err := st.addMiniDebugInfo(); err != nil && b.NumSymbols() == 0 {
		return nil, err
	}

	if d, err := f.DWARF(); err == nil {
		// Broken units are skipped; whatever decoded is kept.
		_ = dwarf.Load(d, base, b)
	}

	return b.Build(), nil
}

type symbolTable struct {
	f      *elf.File
	base   uint64
	layout *BinaryLayout
	b      *debuginfo.Builder
}

func (st *symbolTable) addSymbols(read func() ([]elf.Symbol, error)) {
	syms, err := read()
	if err != nil {
		// ErrNoSymbols or a malformed table; other sources may still
		// provide names.
		return
	}
	st.addFrom(st.f, syms)
}

func (st *symbolTable) addFrom(f *elf.File, syms []elf.Symbol) {
	for _, s := range syms {
		typ := elf.ST_TYPE(s.Info)
		if typ != elf.STT_FUNC && typ != sttGNUIFunc {
			continue
		}
		if s.Value == 0 || s.Value < st.base || s.Name == "" {
			continue
		}
		if s.Section == elf.SHN_UNDEF || s.Section >= elf.SHN_LORESERVE {
			continue
		}
		if int(s.Section) < len(f.Sections) && f.Sections[s.Section].Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		if len(st.layout.ProgramHeaders) > 0 && st.layout.FindProgramHeader(s.Value) == nil {
			continue
		}
		st.b.AddSymbol(s.Value-st.base, s.Size, demangle.Filter(s.Name))
	}
}

// addMiniDebugInfo reads the xz-compressed ELF embedded in .gnu_debugdata
// by distributions that strip .symtab.
func (st *symbolTable) addMiniDebugInfo() error {
	s := st.f.Section(".gnu_debugdata")
	if s == nil {
		return nil
	}
	data, err := s.Data()
	if err != nil {
		return debuginfo.AsParseError(debuginfo.FormatELF, debuginfo.Truncated, fmt.Errorf("read .gnu_debugdata: %w", err))
	}
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return debuginfo.AsParseError(debuginfo.FormatELF, debuginfo.InternalInconsistency, fmt.Errorf("open .gnu_debugdata: %w", err))
	}
	var uncompressed bytes.Buffer
	if _, err := io.Copy(&uncompressed, r); err != nil {
		return debuginfo.AsParseError(debuginfo.FormatELF, debuginfo.Truncated, fmt.Errorf("decompress .gnu_debugdata: %w", err))
	}
	inner, err := elf.NewFile(bytes.NewReader(uncompressed.Bytes()))
	if err != nil {
		return classify(err)
	}
	defer inner.Close()
	syms, err := inner.Symbols()
	if err != nil {
		return nil
	}
	st.addFrom(inner, syms)
	return nil
}

func classify(err error) error {
	var fe *elf.FormatError
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return debuginfo.AsParseError(debuginfo.FormatELF, debuginfo.Truncated, err)
	case errors.As(err, &fe):
		if strings.Contains(fe.Error(), "version") {
			return debuginfo.AsParseError(debuginfo.FormatELF, debuginfo.UnsupportedVersion, err)
		}
		if strings.Contains(fe.Error(), "magic") {
			return debuginfo.AsParseError(debuginfo.FormatELF, debuginfo.BadMagic, err)
		}
	}
	return debuginfo.AsParseError(debuginfo.FormatELF, debuginfo.InternalInconsistency, err)
}

func archName(m elf.Machine) string {
	switch m {
	case elf.EM_X86_64:
		return "x86_64"
	case elf.EM_386:
		return "x86"
	case elf.EM_AARCH64:
		return "arm64"
	case elf.EM_ARM:
		return "arm"
	case elf.EM_RISCV:
		return "riscv64"
	case elf.EM_PPC64:
		return "ppc64"
	case elf.EM_S390:
		return "s390x"
	default:
		return m.String()
	}
}
