package debuginfo

import "sort"

type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatMachO
	FormatPDB
	FormatBreakpad
	FormatPrecog
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatMachO:
		return "macho"
	case FormatPDB:
		return "pdb"
	case FormatBreakpad:
		return "breakpad"
	case FormatPrecog:
		return "precog"
	default:
		return "unknown"
	}
}

// Symbol is a function address range [Start, End).
type Symbol struct {
	Start uint64
	End   uint64
	Name  string
	// InferredEnd is set when the container carried no size for the symbol
	// and End was derived from its neighbours.
	InferredEnd bool

	inlineLo, inlineHi int32
}

func (s Symbol) Contains(addr uint64) bool {
	return addr >= s.Start && addr < s.End
}

// Line maps [Start, End) to a source location.
type Line struct {
	Start uint64
	End   uint64
	File  string
	Line  uint32
}

// Inline is one range of an inlined call. Depth 0 is a call made directly by
// the enclosing symbol, depth 1 a call inlined into that one and so on.
type Inline struct {
	Start    uint64
	End      uint64
	Depth    int
	Name     string
	CallFile string
	CallLine uint32
}

// Section is a code region retained for instruction decoding.
type Section struct {
	Name string
	Addr uint64
	Size uint64
	Data []byte
}

func (s Section) End() uint64 { return s.Addr + s.Size }

// Container is the parsed debug data of one module. It is immutable once
// built and safe for concurrent use.
type Container struct {
	format   Format
	identity Identity
	arch     string

	symbols  []Symbol
	lines    []Line
	inlines  []Inline
	sections []Section

	skipped int
}

func (c *Container) Format() Format      { return c.format }
func (c *Container) Identity() Identity  { return c.identity }
func (c *Container) Arch() string        { return c.arch }
func (c *Container) HasLineInfo() bool   { return len(c.lines) > 0 }
func (c *Container) HasInlineInfo() bool { return len(c.inlines) > 0 }
func (c *Container) Symbols() []Symbol   { return c.symbols }
func (c *Container) Lines() []Line       { return c.lines }
func (c *Container) Sections() []Section { return c.sections }

// SkippedRecords is the number of malformed records the reader dropped.
func (c *Container) SkippedRecords() int { return c.skipped }

// FindSymbol returns the index of the symbol containing addr.
func (c *Container) FindSymbol(addr uint64) (int, bool) {
	i := sort.Search(len(c.symbols), func(i int) bool {
		return c.symbols[i].Start > addr
	}) - 1
	if i < 0 || !c.symbols[i].Contains(addr) {
		return -1, false
	}
	return i, true
}

// FindLine returns the line range containing addr.
func (c *Container) FindLine(addr uint64) (Line, bool) {
	i := sort.Search(len(c.lines), func(i int) bool {
		return c.lines[i].Start > addr
	}) - 1
	if i < 0 || addr >= c.lines[i].End {
		return Line{}, false
	}
	return c.lines[i], true
}

// InlinesOf returns the inline ranges nested in symbol i, sorted by start
// address and depth.
func (c *Container) InlinesOf(i int) []Inline {
	s := c.symbols[i]
	return c.inlines[s.inlineLo:s.inlineHi]
}

// WithSymbols returns a copy of the container with a replacement symbol
// table. Inline assignment is recomputed; line data is shared.
func (c *Container) WithSymbols(symbols []Symbol) *Container {
	out := &Container{
		format:   c.format,
		identity: c.identity,
		arch:     c.arch,
		symbols:  append([]Symbol(nil), symbols...),
		lines:    c.lines,
		inlines:  c.inlines,
		sections: c.sections,
		skipped:  c.skipped,
	}
	assignInlines(out.symbols, out.inlines)
	return out
}

// Frame is one entry of a resolved address. Empty Symbol and File mean the
// value is unknown; Address is set only on unresolved frames.
type Frame struct {
	Address *uint64
	Symbol  string
	File    string
	Line    uint32
	Inlined bool
}

// UnresolvedFrame is the single frame returned for an address that matched
// nothing.
func UnresolvedFrame(addr uint64) Frame {
	return Frame{Address: &addr}
}

func (f Frame) Resolved() bool {
	return f.Symbol != ""
}

// StripSections returns a copy of the container without retained code bytes.
func (c *Container) StripSections() *Container {
	if len(c.sections) == 0 {
		return c
	}
	out := *c
	out.sections = nil
	return &out
}
