package debuginfo

import (
	"math"
	"sort"
)

type pendingSymbol struct {
	start, size uint64
	name        string
	sized       bool
	order       int
}

type pendingLine struct {
	start, size uint64
	file        string
	line        uint32
	sized       bool
}

// Builder collects symbols, lines and inline ranges in any order and
// produces a normalized Container.
type Builder struct {
	format   Format
	identity Identity
	arch     string

	symbols  []pendingSymbol
	lines    []pendingLine
	inlines  []Inline
	sections []Section
	skipped  int

	strings map[string]string
}

func NewBuilder(f Format, id Identity) *Builder {
	return &Builder{
		format:   f,
		identity: id,
		strings:  make(map[string]string),
	}
}

func (b *Builder) intern(s string) string {
	if v, ok := b.strings[s]; ok {
		return v
	}
	b.strings[s] = s
	return s
}

func (b *Builder) SetArch(arch string) { b.arch = arch }

func (b *Builder) SetIdentity(id Identity) { b.identity = id }

// AddSymbol records a function starting at start. A zero size means the
// size is unknown and will be inferred.
func (b *Builder) AddSymbol(start, size uint64, name string) {
	b.symbols = append(b.symbols, pendingSymbol{
		start: start,
		size:  size,
		name:  b.intern(name),
		sized: size > 0,
		order: len(b.symbols),
	})
}

// AddLine records a line range. A zero size extends it to the next line.
func (b *Builder) AddLine(start, size uint64, file string, line uint32) {
	b.lines = append(b.lines, pendingLine{
		start: start,
		size:  size,
		file:  b.intern(file),
		line:  line,
		sized: size > 0,
	})
}

func (b *Builder) AddInline(in Inline) {
	if in.End <= in.Start || in.Name == "" {
		return
	}
	in.Name = b.intern(in.Name)
	in.CallFile = b.intern(in.CallFile)
	b.inlines = append(b.inlines, in)
}

// AddSection registers an executable region. Sections bound inferred symbol
// sizes; data, when present, is kept for instruction decoding.
func (b *Builder) AddSection(s Section) {
	if s.Size == 0 {
		s.Size = uint64(len(s.Data))
	}
	b.sections = append(b.sections, s)
}

func (b *Builder) NumSymbols() int { return len(b.symbols) }

// SkipRecord counts a malformed record left out of the container.
func (b *Builder) SkipRecord() { b.skipped++ }

func (b *Builder) Build() *Container {
	sort.Slice(b.sections, func(i, j int) bool { return b.sections[i].Addr < b.sections[j].Addr })
	c := &Container{
		format:   b.format,
		identity: b.identity,
		arch:     b.arch,
		sections: b.sections,
		skipped:  b.skipped,
	}
	c.symbols = b.buildSymbols()
	c.lines = b.buildLines(c.symbols)
	c.inlines = b.buildInlines()
	assignInlines(c.symbols, c.inlines)
	return c
}

func (b *Builder) sectionEnd(addr uint64) (uint64, bool) {
	i := sort.Search(len(b.sections), func(i int) bool { return b.sections[i].Addr > addr }) - 1
	if i < 0 || addr >= b.sections[i].End() {
		return 0, false
	}
	return b.sections[i].End(), true
}

func (b *Builder) buildSymbols() []Symbol {
	in := b.symbols
	sort.Slice(in, func(i, j int) bool {
		if in[i].start != in[j].start {
			return in[i].start < in[j].start
		}
		if in[i].sized != in[j].sized {
			return in[i].sized
		}
		return in[i].order < in[j].order
	})

	// Collapse duplicates on the same start: the first entry with a size
	// wins, an empty name is taken from a sibling.
	merged := in[:0]
	for _, s := range in {
		if n := len(merged); n > 0 && merged[n-1].start == s.start {
			if merged[n-1].name == "" {
				merged[n-1].name = s.name
			}
			continue
		}
		merged = append(merged, s)
	}

	out := make([]Symbol, 0, len(merged))
	for i, s := range merged {
		next, hasNext := uint64(math.MaxUint64), false
		if i+1 < len(merged) {
			next, hasNext = merged[i+1].start, true
		}
		sym := Symbol{Start: s.start, Name: s.name}
		if s.sized && s.start+s.size > s.start {
			sym.End = s.start + s.size
			if hasNext && sym.End > next {
				sym.End = next
			}
		} else {
			sym.InferredEnd = true
			end, bounded := b.sectionEnd(s.start)
			switch {
			case hasNext && (!bounded || next < end):
				sym.End = next
			case bounded:
				sym.End = end
			default:
				sym.End = s.start + 1
			}
		}
		if sym.End <= sym.Start {
			continue
		}
		out = append(out, sym)
	}
	return out
}

func (b *Builder) buildLines(symbols []Symbol) []Line {
	in := b.lines
	sort.SliceStable(in, func(i, j int) bool { return in[i].start < in[j].start })

	out := make([]Line, 0, len(in))
	for i, l := range in {
		if i+1 < len(in) && in[i+1].start == l.start {
			// Several rows for the same address: the last one describes
			// the instruction.
			continue
		}
		line := Line{Start: l.start, File: l.file, Line: l.line}
		next, hasNext := uint64(0), false
		if i+1 < len(in) {
			next, hasNext = in[i+1].start, true
		}
		switch {
		case l.sized:
			line.End = l.start + l.size
			if hasNext && line.End > next {
				line.End = next
			}
		case hasNext:
			line.End = next
		default:
			line.End = l.start + 1
			if idx := symbolIndex(symbols, l.start); idx >= 0 {
				line.End = symbols[idx].End
			}
		}
		if line.End <= line.Start || (line.File == "" && line.Line == 0) {
			continue
		}
		out = append(out, line)
	}
	return out
}

func (b *Builder) buildInlines() []Inline {
	in := b.inlines
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].Start != in[j].Start {
			return in[i].Start < in[j].Start
		}
		return in[i].Depth < in[j].Depth
	})
	return in
}

func symbolIndex(symbols []Symbol, addr uint64) int {
	i := sort.Search(len(symbols), func(i int) bool { return symbols[i].Start > addr }) - 1
	if i < 0 || !symbols[i].Contains(addr) {
		return -1
	}
	return i
}

// assignInlines records for each symbol the slice of inline ranges starting
// within it. Inlines are sorted by start, symbols are sorted and disjoint.
func assignInlines(symbols []Symbol, inlines []Inline) {
	j := 0
	for i := range symbols {
		s := &symbols[i]
		for j < len(inlines) && inlines[j].Start < s.Start {
			j++
		}
		lo := j
		for j < len(inlines) && inlines[j].Start < s.End {
			j++
		}
		s.inlineLo, s.inlineHi = int32(lo), int32(j)
	}
}
