package pdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

// Symbol record kinds.
const (
	sEnd           = 0x0006
	sThunk32       = 0x1102
	sBlock32       = 0x1103
	sWith32        = 0x1104
	sPub32         = 0x110e
	sLProc32       = 0x110f
	sGProc32       = 0x1110
	sSepCode       = 0x1132
	sLProc32ID     = 0x1146
	sGProc32ID     = 0x1147
	sInlineSite    = 0x114d
	sInlineSiteEnd = 0x114e
	sProcIDEnd     = 0x114f
	sLProc32DPC    = 0x1155
	sLProc32DPCID  = 0x1156
	sInlineSite2   = 0x115d
)

// C13 debug subsection kinds.
const (
	debugSLines        = 0xf2
	debugSFileChksms   = 0xf4
	debugSInlineeLines = 0xf6
	debugSIgnore       = 0x80000000
)

const (
	cvSignatureC13 = 4

	// Line numbers the compiler uses to hide code from debuggers.
	hiddenLine     = 0xfeefee
	hiddenLineAlt  = 0xf00f00
	lineNumberMask = 0xffffff
)

type lineEntry struct {
	start, end uint64
	file       string
	line       uint32
	depth      int
}

func (e lineEntry) contains(addr uint64) bool { return e.start <= addr && addr < e.end }

type inlineeSource struct {
	file uint32
	line uint32
}

type site struct {
	depth  int
	parent *site
	name   string
	lines  []lineEntry
}

type procedure struct {
	start, end uint64
	sites      []*site
}

type moduleState struct {
	r         *reader
	checksums []byte
	inlinees  map[uint32]inlineeSource
	lines     []lineEntry
	procs     []*procedure
}

func (r *reader) readModule(b *debuginfo.Builder, mod module) error {
	if mod.stream == noStream {
		return nil
	}
	data, err := r.msf.stream(int(mod.stream))
	if errors.Is(err, errNoStream) {
		return nil
	}
	if err != nil {
		return err
	}
	c13Start := uint64(mod.symSize) + uint64(mod.c11Size)
	c13End := c13Start + uint64(mod.c13Size)
	if c13End > uint64(len(data)) {
		return debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.Truncated, "module stream %d: %d bytes, need %d", mod.stream, len(data), c13End)
	}

	ms := &moduleState{r: r, inlinees: make(map[uint32]inlineeSource)}
	if err := ms.readC13(data[c13Start:c13End]); err != nil {
		return fmt.Errorf("module stream %d: %w", mod.stream, err)
	}
	// Modules carrying pre-C13 symbol formats are skipped.
	if mod.symSize >= 4 && binary.LittleEndian.Uint32(data) == cvSignatureC13 {
		if err := ms.readSymbols(b, data[4:mod.symSize]); err != nil {
			return fmt.Errorf("module stream %d: %w", mod.stream, err)
		}
	}
	ms.emit(b)
	return nil
}

func (ms *moduleState) readC13(data []byte) error {
	type subsection struct {
		kind uint32
		data []byte
	}
	var subs []subsection
	c := &cursor{b: data}
	for c.remaining() >= 8 {
		kind := c.u32()
		size := c.u32()
		body := c.bytes(int(size))
		c.align(4)
		if c.err != nil {
			return debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.Truncated, fmt.Errorf("C13 subsection %#x: %w", kind, c.err))
		}
		if kind&debugSIgnore != 0 {
			continue
		}
		if kind == debugSFileChksms {
			ms.checksums = body
			continue
		}
		subs = append(subs, subsection{kind: kind, data: body})
	}
	for _, s := range subs {
		var err error
		switch s.kind {
		case debugSLines:
			err = ms.readLines(s.data)
		case debugSInlineeLines:
			err = ms.readInlinees(s.data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// fileName resolves an offset into the file checksums subsection.
func (ms *moduleState) fileName(off uint32) string {
	if uint64(off)+4 > uint64(len(ms.checksums)) {
		return ""
	}
	c := &cursor{b: ms.checksums, off: int(off)}
	return ms.r.name(c.u32())
}

func (ms *moduleState) readLines(data []byte) error {
	c := &cursor{b: data}
	off := c.u32()
	seg := c.u16()
	c.skip(2) // flags
	codeSize := c.u32()
	if c.err != nil {
		return debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.Truncated, fmt.Errorf("lines header: %w", c.err))
	}
	base, ok := ms.r.rva(seg, off)
	if !ok {
		return nil
	}
	end := base + uint64(codeSize)

	for c.remaining() >= 12 {
		blockStart := c.off
		fileOff := c.u32()
		n := c.u32()
		size := c.u32()
		if size < 12 || uint64(blockStart)+uint64(size) > uint64(len(data)) || uint64(n)*8 > uint64(size-12) {
			return debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.InternalInconsistency, "line block at %d: %d lines in %d bytes", blockStart, n, size)
		}
		file := ms.fileName(fileOff)
		entries := make([]lineEntry, n)
		for i := range entries {
			o := c.u32()
			flags := c.u32()
			entries[i] = lineEntry{start: base + uint64(o), file: file, line: flags & lineNumberMask, depth: -1}
		}
		for i := range entries {
			entries[i].end = end
			if i+1 < len(entries) {
				entries[i].end = entries[i+1].start
			}
			e := entries[i]
			if e.line == hiddenLine || e.line == hiddenLineAlt || e.end <= e.start {
				continue
			}
			ms.lines = append(ms.lines, e)
		}
		c.off = blockStart + int(size)
	}
	return nil
}

func (ms *moduleState) readInlinees(data []byte) error {
	c := &cursor{b: data}
	extended := c.u32() == 1
	for c.remaining() >= 12 {
		id := c.u32()
		src := inlineeSource{file: c.u32(), line: c.u32()}
		if extended {
			c.skip(int(c.u32()) * 4)
		}
		ms.inlinees[id] = src
	}
	if c.err != nil {
		return debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.Truncated, fmt.Errorf("inlinee lines: %w", c.err))
	}
	return nil
}

func (ms *moduleState) readSymbols(b *debuginfo.Builder, data []byte) error {
	r := ms.r
	// One entry per open scope; nil for scopes that are not inline sites.
	var stack []*site
	var proc *procedure

	err := forEachRecord(data, func(kind uint16, rec []byte) {
		c := &cursor{b: rec}
		switch kind {
		case sGProc32, sLProc32, sGProc32ID, sLProc32ID, sLProc32DPC, sLProc32DPCID:
			c.skip(12) // parent, end, next
			length := c.u32()
			c.skip(12) // debug start, debug end, type
			off := c.u32()
			seg := c.u16()
			c.skip(1)
			name := c.cstring()
			if c.err == nil && r.executable(seg) {
				start, _ := r.rva(seg, off)
				b.AddSymbol(start, uint64(length), name)
				if len(stack) == 0 {
					proc = &procedure{start: start, end: start + uint64(length)}
					ms.procs = append(ms.procs, proc)
				}
			}
			stack = append(stack, nil)

		case sThunk32:
			c.skip(12)
			off := c.u32()
			seg := c.u16()
			length := c.u16()
			c.skip(1)
			name := c.cstring()
			if c.err == nil && r.executable(seg) {
				start, _ := r.rva(seg, off)
				b.AddSymbol(start, uint64(length), name)
			}
			stack = append(stack, nil)

		case sBlock32, sWith32, sSepCode:
			stack = append(stack, nil)

		case sInlineSite, sInlineSite2:
			c.skip(8) // parent, end
			inlinee := c.u32()
			if kind == sInlineSite2 {
				c.skip(4) // invocations
			}
			s := &site{name: r.ids.funcName(inlinee)}
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] != nil {
					s.parent = stack[i]
					s.depth = stack[i].depth + 1
					break
				}
			}
			if proc != nil && c.err == nil {
				s.lines = ms.decodeAnnotations(rec[c.off:], proc, inlinee, s.depth)
				proc.sites = append(proc.sites, s)
			}
			stack = append(stack, s)

		case sEnd, sProcIDEnd, sInlineSiteEnd:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				proc = nil
			}
		}
	})
	if err != nil {
		return debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.InternalInconsistency, err)
	}
	return nil
}

// Binary annotation opcodes of inline sites.
const (
	baInvalid = iota
	baCodeOffset
	baChangeCodeOffsetBase
	baChangeCodeOffset
	baChangeCodeLength
	baChangeFile
	baChangeLineOffset
	baChangeLineEndDelta
	baChangeRangeKind
	baChangeColumnStart
	baChangeColumnEndDelta
	baChangeCodeOffsetAndLineOffset
	baChangeCodeLengthAndCodeOffset
	baChangeColumnEnd
)

type annotations struct {
	b   []byte
	off int
}

func (a *annotations) next() (uint32, bool) {
	if a.off >= len(a.b) {
		return 0, false
	}
	v := a.b[a.off]
	a.off++
	return uint32(v), true
}

// unsigned decodes a compressed unsigned operand.
func (a *annotations) unsigned() (uint32, bool) {
	b0, ok := a.next()
	if !ok {
		return 0, false
	}
	switch {
	case b0&0x80 == 0:
		return b0, true
	case b0&0xc0 == 0x80:
		b1, ok := a.next()
		return (b0&0x3f)<<8 | b1, ok
	case b0&0xe0 == 0xc0:
		b1, ok1 := a.next()
		b2, ok2 := a.next()
		b3, ok3 := a.next()
		return (b0&0x1f)<<24 | b1<<16 | b2<<8 | b3, ok1 && ok2 && ok3
	}
	return 0, false
}

func (a *annotations) signed() (int32, bool) {
	v, ok := a.unsigned()
	return decodeSigned(v), ok
}

func decodeSigned(v uint32) int32 {
	if v&1 != 0 {
		return -int32(v >> 1)
	}
	return int32(v >> 1)
}

// decodeAnnotations turns the binary annotations of an inline site into
// address ranges carrying the inlinee's source location. Offsets are
// relative to the start of the enclosing procedure.
func (ms *moduleState) decodeAnnotations(data []byte, proc *procedure, inlinee uint32, depth int) []lineEntry {
	src := ms.inlinees[inlinee]
	file := ms.fileName(src.file)
	line := int64(src.line)

	var out []lineEntry
	var offset, length uint32
	hasLength, lastSized := false, true
	a := &annotations{b: data}
	emitRecord := func() {
		start := proc.start + uint64(offset)
		if n := len(out); n > 0 && !lastSized {
			out[n-1].end = start
		}
		e := lineEntry{start: start, file: file, line: uint32(line), depth: depth}
		lastSized = hasLength
		if hasLength {
			e.end = start + uint64(length)
		}
		out = append(out, e)
		hasLength = false
	}

decode:
	for {
		op, ok := a.unsigned()
		if !ok {
			break
		}
		switch op {
		case baCodeOffset:
			v, ok := a.unsigned()
			if !ok {
				break decode
			}
			offset = v
		case baChangeCodeOffset:
			v, ok := a.unsigned()
			if !ok {
				break decode
			}
			offset += v
			emitRecord()
		case baChangeCodeLength:
			v, ok := a.unsigned()
			if !ok {
				break decode
			}
			if n := len(out); n > 0 && !lastSized {
				out[n-1].end = out[n-1].start + uint64(v)
				lastSized = true
			}
			offset += v
		case baChangeFile:
			v, ok := a.unsigned()
			if !ok {
				break decode
			}
			file = ms.fileName(v)
		case baChangeLineOffset:
			v, ok := a.signed()
			if !ok {
				break decode
			}
			line += int64(v)
		case baChangeCodeOffsetAndLineOffset:
			v, ok := a.unsigned()
			if !ok {
				break decode
			}
			offset += v & 0xf
			line += int64(decodeSigned(v >> 4))
			emitRecord()
		case baChangeCodeLengthAndCodeOffset:
			l, ok1 := a.unsigned()
			d, ok2 := a.unsigned()
			if !ok1 || !ok2 {
				break decode
			}
			length, hasLength = l, true
			offset += d
			emitRecord()
		case baChangeCodeOffsetBase, baChangeLineEndDelta, baChangeRangeKind, baChangeColumnStart, baChangeColumnEnd:
			if _, ok := a.unsigned(); !ok {
				break decode
			}
		case baChangeColumnEndDelta:
			if _, ok := a.signed(); !ok {
				break decode
			}
		default:
			// baInvalid pads the annotation block.
			break decode
		}
	}
	if n := len(out); n > 0 && !lastSized {
		out[n-1].end = proc.end
	}

	kept := out[:0]
	for _, e := range out {
		if e.end > proc.end {
			e.end = proc.end
		}
		if e.start >= proc.start && e.end > e.start {
			kept = append(kept, e)
		}
	}
	return kept
}

// emit hands the module's tables to the builder. Within procedures that
// have named inline sites, the deepest location covering each address
// replaces the procedure's line rows, which describe call sites.
func (ms *moduleState) emit(b *debuginfo.Builder) {
	sort.Slice(ms.lines, func(i, j int) bool { return ms.lines[i].start < ms.lines[j].start })

	var overlaid []*procedure
	for _, p := range ms.procs {
		var siteLines []lineEntry
		for _, s := range p.sites {
			if s.name == "" || len(s.lines) == 0 {
				continue
			}
			callFile, callLine := ms.callSite(s)
			for _, l := range s.lines {
				b.AddInline(debuginfo.Inline{
					Start:    l.start,
					End:      l.end,
					Depth:    s.depth,
					Name:     s.name,
					CallFile: callFile,
					CallLine: callLine,
				})
			}
			siteLines = append(siteLines, s.lines...)
		}
		if len(siteLines) == 0 {
			continue
		}
		overlaid = append(overlaid, p)
		for _, l := range overlay(append(ms.linesIn(p.start, p.end), siteLines...)) {
			b.AddLine(l.start, l.end-l.start, l.file, l.line)
		}
	}

	sort.Slice(overlaid, func(i, j int) bool { return overlaid[i].start < overlaid[j].start })
	for _, l := range ms.lines {
		i := sort.Search(len(overlaid), func(i int) bool { return overlaid[i].end > l.start })
		if i < len(overlaid) && overlaid[i].start <= l.start {
			continue
		}
		b.AddLine(l.start, l.end-l.start, l.file, l.line)
	}
}

// callSite locates the call of an inline site: in the procedure's line
// rows for the outermost sites, in the parent site's ranges otherwise.
func (ms *moduleState) callSite(s *site) (string, uint32) {
	addr := s.lines[0].start
	var candidates []lineEntry
	if s.parent != nil {
		candidates = s.parent.lines
	} else {
		candidates = ms.linesIn(addr, addr+1)
	}
	for _, l := range candidates {
		if l.contains(addr) {
			return l.file, l.line
		}
	}
	return "", 0
}

// linesIn returns the procedure line rows intersecting [start, end).
func (ms *moduleState) linesIn(start, end uint64) []lineEntry {
	i := sort.Search(len(ms.lines), func(i int) bool { return ms.lines[i].end > start })
	j := i
	for j < len(ms.lines) && ms.lines[j].start < end {
		j++
	}
	return ms.lines[i:j:j]
}

// overlay splits the entries at every boundary and keeps the deepest entry
// for each piece, merging neighbours with the same location.
func overlay(entries []lineEntry) []lineEntry {
	bounds := make([]uint64, 0, 2*len(entries))
	for _, e := range entries {
		bounds = append(bounds, e.start, e.end)
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i] < bounds[j] })

	var out []lineEntry
	for i := 0; i+1 < len(bounds); i++ {
		lo, hi := bounds[i], bounds[i+1]
		if lo == hi {
			continue
		}
		best := -1
		for j, e := range entries {
			if e.start <= lo && hi <= e.end && (best < 0 || e.depth > entries[best].depth) {
				best = j
			}
		}
		if best < 0 {
			continue
		}
		e := entries[best]
		if n := len(out); n > 0 && out[n-1].end == lo && out[n-1].file == e.file && out[n-1].line == e.line && out[n-1].depth == e.depth {
			out[n-1].end = hi
			continue
		}
		out = append(out, lineEntry{start: lo, end: hi, file: e.file, line: e.line, depth: e.depth})
	}
	return out
}

func (r *reader) readPublics(b *debuginfo.Builder, stream int) error {
	data, err := r.msf.stream(stream)
	if errors.Is(err, errNoStream) {
		return nil
	}
	if err != nil {
		return err
	}
	err = forEachRecord(data, func(kind uint16, rec []byte) {
		if kind != sPub32 {
			return
		}
		c := &cursor{b: rec}
		c.skip(4) // flags
		off := c.u32()
		seg := c.u16()
		name := c.cstring()
		if c.err != nil || !r.executable(seg) {
			return
		}
		addr, _ := r.rva(seg, off)
		b.AddSymbol(addr, 0, name)
	})
	if err != nil {
		return debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.InternalInconsistency, fmt.Errorf("public symbols: %w", err))
	}
	return nil
}
