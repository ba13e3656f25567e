// Package dwarftest builds a small DWARF compilation unit for reader tests.
//
// The unit describes, relative to the base address:
//
//	h          [0x1000, 0x1100)  t.c
//	  block    [0x1010, 0x1050)
//	    f      [0x1010, 0x1050)  inlined, called at t.c:11
//	      block [0x1020, 0x1030)
//	        g  [0x1020, 0x1030)  inlined, called at inl.h:7
//	method     [0x1100, 0x1120)  named through DW_AT_specification
//
// The abstract instance of g precedes its use and the one of f follows it.
// Line rows: 0x1000 t.c:10, 0x1020 inl.h:3, 0x1030 inl.h:7, 0x1040 t.c:11,
// 0x1100 t.c:20, end of sequence at 0x1120.
package dwarftest

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
)

const (
	CompDir  = "/src"
	MainFile = CompDir + "/t.c"
	InlFile  = CompDir + "/inl.h"
)

const (
	formAddr         = 0x01
	formData4        = 0x06
	formString       = 0x08
	formData1        = 0x0b
	formUdata        = 0x0f
	formRef4         = 0x13
	formSecOffset    = 0x17
	formFlagPresent  = 0x19
	lnctPath         = 0x1
	lnctDirIndex     = 0x2
	lneEndSequence   = 0x1
	lneSetAddress    = 0x2
	lnsCopy          = 0x1
	lnsAdvancePC     = 0x2
	lnsAdvanceLine   = 0x3
	lnsSetFile       = 0x4
	utCompile        = 0x1
	inlDeclInlined   = 0x1
	lineBase         = 0xfb // -5
	lineRange        = 14
)

const (
	abbrevCU = iota + 1
	abbrevAbstract
	abbrevSubprogram
	abbrevBlock
	abbrevInlineParent
	abbrevInlineLeaf
	abbrevDecl
	abbrevSpec
)

type buf []byte

func (b *buf) u8(v uint8)   { *b = append(*b, v) }
func (b *buf) u16(v uint16) { *b = binary.LittleEndian.AppendUint16(*b, v) }
func (b *buf) u32(v uint32) { *b = binary.LittleEndian.AppendUint32(*b, v) }
func (b *buf) u64(v uint64) { *b = binary.LittleEndian.AppendUint64(*b, v) }
func (b *buf) str(s string) { *b = append(append(*b, s...), 0) }

func (b *buf) uleb(v uint64) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b.u8(c)
		if v == 0 {
			return
		}
	}
}

func (b *buf) sleb(v int64) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b.u8(c)
		if done {
			return
		}
	}
}

func (b buf) put32(pos int, v uint32) {
	binary.LittleEndian.PutUint32(b[pos:], v)
}

// Sections returns the abbrev, info and line sections of the unit, keyed
// by their name without the debug prefix. Version is 4 or 5.
func Sections(version int, base uint64) map[string][]byte {
	if version != 4 && version != 5 {
		panic(fmt.Sprintf("unsupported DWARF version %d", version))
	}
	return map[string][]byte{
		"abbrev": abbrev(),
		"info":   info(version, base),
		"line":   line(version, base),
	}
}

// Data returns the unit as parsed by debug/dwarf.
func Data(version int, base uint64) (*dwarf.Data, error) {
	s := Sections(version, base)
	return dwarf.New(s["abbrev"], nil, nil, s["info"], s["line"], nil, nil, nil)
}

type attr struct {
	at   dwarf.Attr
	form uint64
}

func abbrev() []byte {
	pc := []attr{{dwarf.AttrLowpc, formAddr}, {dwarf.AttrHighpc, formData4}}
	inline := append([]attr{{dwarf.AttrAbstractOrigin, formRef4}}, append(pc,
		attr{dwarf.AttrCallFile, formData1},
		attr{dwarf.AttrCallLine, formData1})...)
	entries := []struct {
		code     uint64
		tag      dwarf.Tag
		children bool
		attrs    []attr
	}{
		{abbrevCU, dwarf.TagCompileUnit, true, append([]attr{
			{dwarf.AttrName, formString},
			{dwarf.AttrCompDir, formString},
			{dwarf.AttrStmtList, formSecOffset},
		}, pc...)},
		{abbrevAbstract, dwarf.TagSubprogram, false, []attr{{dwarf.AttrName, formString}, {dwarf.AttrInline, formData1}}},
		{abbrevSubprogram, dwarf.TagSubprogram, true, append([]attr{{dwarf.AttrName, formString}}, pc...)},
		{abbrevBlock, dwarf.TagLexDwarfBlock, true, pc},
		{abbrevInlineParent, dwarf.TagInlinedSubroutine, true, inline},
		{abbrevInlineLeaf, dwarf.TagInlinedSubroutine, false, inline},
		{abbrevDecl, dwarf.TagSubprogram, false, []attr{{dwarf.AttrName, formString}, {dwarf.AttrDeclaration, formFlagPresent}}},
		{abbrevSpec, dwarf.TagSubprogram, false, append([]attr{{dwarf.AttrSpecification, formRef4}}, pc...)},
	}
	var b buf
	for _, e := range entries {
		b.uleb(e.code)
		b.uleb(uint64(e.tag))
		if e.children {
			b.u8(1)
		} else {
			b.u8(0)
		}
		for _, a := range e.attrs {
			b.uleb(uint64(a.at))
			b.uleb(a.form)
		}
		b.u8(0)
		b.u8(0)
	}
	b.u8(0)
	return b
}

func info(version int, base uint64) []byte {
	var b buf
	b.u32(0)
	b.u16(uint16(version))
	if version >= 5 {
		b.u8(utCompile)
		b.u8(8)
		b.u32(0)
	} else {
		b.u32(0)
		b.u8(8)
	}

	labels := make(map[string]int)
	type fixup struct {
		pos   int
		label string
	}
	var fixups []fixup
	ref := func(label string) {
		fixups = append(fixups, fixup{pos: len(b), label: label})
		b.u32(0)
	}
	pc := func(lo, size uint64) {
		b.u64(base + lo)
		b.u32(uint32(size))
	}
	// DWARF 5 numbers files from 0, with entry 0 being the primary file.
	mainFileIndex := uint8(1)
	if version >= 5 {
		mainFileIndex = 0
	}

	b.uleb(abbrevCU)
	b.str("t.c")
	b.str(CompDir)
	b.u32(0)
	pc(0x1000, 0x120)

	labels["g"] = len(b)
	b.uleb(abbrevAbstract)
	b.str("g")
	b.u8(inlDeclInlined)

	b.uleb(abbrevSubprogram)
	b.str("h")
	pc(0x1000, 0x100)
	{
		b.uleb(abbrevBlock)
		pc(0x1010, 0x40)
		{
			b.uleb(abbrevInlineParent)
			ref("f")
			pc(0x1010, 0x40)
			b.u8(mainFileIndex)
			b.u8(11)
			{
				b.uleb(abbrevBlock)
				pc(0x1020, 0x10)
				{
					b.uleb(abbrevInlineLeaf)
					ref("g")
					pc(0x1020, 0x10)
					b.u8(2)
					b.u8(7)
				}
				b.u8(0)
			}
			b.u8(0)
		}
		b.u8(0)
	}
	b.u8(0)

	labels["f"] = len(b)
	b.uleb(abbrevAbstract)
	b.str("f")
	b.u8(inlDeclInlined)

	labels["decl"] = len(b)
	b.uleb(abbrevDecl)
	b.str("method")

	b.uleb(abbrevSpec)
	ref("decl")
	pc(0x1100, 0x20)

	b.u8(0)

	for _, f := range fixups {
		b.put32(f.pos, uint32(labels[f.label]))
	}
	b.put32(0, uint32(len(b)-4))
	return b
}

func line(version int, base uint64) []byte {
	var b buf
	b.u32(0)
	b.u16(uint16(version))
	if version >= 5 {
		b.u8(8)
		b.u8(0)
	}
	headerLengthPos := len(b)
	b.u32(0)
	headerStart := len(b)
	b.u8(1) // minimum_instruction_length
	b.u8(1) // maximum_operations_per_instruction
	b.u8(1) // default_is_stmt
	b.u8(lineBase)
	b.u8(lineRange)
	b.u8(13) // opcode_base
	b = append(b, 0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1)

	if version >= 5 {
		b.u8(1)
		b.uleb(lnctPath)
		b.uleb(formString)
		b.uleb(1)
		b.str(CompDir)

		b.u8(2)
		b.uleb(lnctPath)
		b.uleb(formString)
		b.uleb(lnctDirIndex)
		b.uleb(formUdata)
		files := []string{"t.c", "t.c", "inl.h"}
		b.uleb(uint64(len(files)))
		for _, f := range files {
			b.str(f)
			b.uleb(0)
		}
	} else {
		b.u8(0) // no include_directories
		for _, f := range []string{"t.c", "inl.h"} {
			b.str(f)
			b.uleb(0)
			b.uleb(0)
			b.uleb(0)
		}
		b.u8(0)
	}
	b.put32(headerLengthPos, uint32(len(b)-headerStart))

	b.u8(0)
	b.uleb(9)
	b.u8(lneSetAddress)
	b.u64(base + 0x1000)

	row := func(pcAdvance uint64, file uint64, lineAdvance int64) {
		if pcAdvance > 0 {
			b.u8(lnsAdvancePC)
			b.uleb(pcAdvance)
		}
		if file > 0 {
			b.u8(lnsSetFile)
			b.uleb(file)
		}
		b.u8(lnsAdvanceLine)
		b.sleb(lineAdvance)
		b.u8(lnsCopy)
	}
	row(0, 1, 9)     // 0x1000 t.c:10
	row(0x20, 2, -7) // 0x1020 inl.h:3
	row(0x10, 0, 4)  // 0x1030 inl.h:7
	row(0x10, 1, 4)  // 0x1040 t.c:11
	row(0xc0, 0, 9)  // 0x1100 t.c:20

	b.u8(lnsAdvancePC)
	b.uleb(0x20)
	b.u8(0)
	b.uleb(1)
	b.u8(lneEndSequence)

	b.put32(0, uint32(len(b)-4))
	return b
}
