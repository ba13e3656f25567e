// Package breakpad parses the textual Breakpad symbol file format.
package breakpad

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

const maxLineLength = 1 << 20

type pendingLine struct {
	addr, size uint64
	line       uint32
	file       int64
}

type pendingInline struct {
	depth    int
	callLine uint32
	callFile int64
	origin   int64
	ranges   [][2]uint64
}

type parser struct {
	b       *debuginfo.Builder
	lineNo  int
	files   map[int64]string
	origins map[int64]string
	lines   []pendingLine
	inlines []pendingInline
}

// Parse reads a breakpad .sym file. STACK and INFO records are ignored.
// Malformed records are dropped and counted in the container's
// SkippedRecords; only a bad MODULE record fails the file.
func Parse(data []byte) (*debuginfo.Container, error) {
	p := &parser{
		files:   make(map[int64]string),
		origins: make(map[int64]string),
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for sc.Scan() {
		p.lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if p.lineNo == 1 {
			if err := p.module(line); err != nil {
				return nil, err
			}
			continue
		}
		if line == "" {
			continue
		}
		if err := p.record(line); err != nil {
			p.b.SkipRecord()
		}
	}
	if err := sc.Err(); err != nil {
		return nil, debuginfo.Errorf(debuginfo.FormatBreakpad, debuginfo.Truncated, "line %d: %w", p.lineNo+1, err)
	}
	if p.lineNo == 0 {
		return nil, debuginfo.Errorf(debuginfo.FormatBreakpad, debuginfo.Truncated, "empty symbol file")
	}
	p.flush()
	return p.b.Build(), nil
}

// module handles "MODULE os arch id name".
func (p *parser) module(line string) error {
	fields := strings.SplitN(line, " ", 5)
	if len(fields) < 4 || fields[0] != "MODULE" {
		return debuginfo.Errorf(debuginfo.FormatBreakpad, debuginfo.BadMagic, "missing MODULE record")
	}
	norm, err := debuginfo.NormalizeID(fields[3])
	if err != nil {
		return debuginfo.AsParseError(debuginfo.FormatBreakpad, debuginfo.InternalInconsistency, err)
	}
	id := debuginfo.Identity{ID: norm}
	if len(fields) == 5 {
		id.DebugName = fields[4]
	}
	p.b = debuginfo.NewBuilder(debuginfo.FormatBreakpad, id)
	p.b.SetArch(fields[2])
	return nil
}

func (p *parser) record(line string) error {
	kind, rest, _ := strings.Cut(line, " ")
	switch kind {
	case "FILE":
		n, name, err := numberedName(rest)
		if err != nil {
			return fmt.Errorf("FILE: %w", err)
		}
		p.files[n] = name
	case "INLINE_ORIGIN":
		n, name, err := numberedName(rest)
		if err != nil {
			return fmt.Errorf("INLINE_ORIGIN: %w", err)
		}
		p.origins[n] = name
	case "FUNC":
		return p.function(rest)
	case "PUBLIC":
		return p.public(rest)
	case "INLINE":
		return p.inline(rest)
	case "STACK", "INFO", "MODULE":
	default:
		if isHex(kind) {
			return p.lineRecord(line)
		}
	}
	return nil
}

// function handles "FUNC [m] address size param_size name".
func (p *parser) function(rest string) error {
	rest = strings.TrimPrefix(rest, "m ")
	fields := strings.SplitN(rest, " ", 4)
	if len(fields) < 3 {
		return fmt.Errorf("FUNC: expected at least 3 fields, got %d", len(fields))
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return fmt.Errorf("FUNC address: %w", err)
	}
	size, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return fmt.Errorf("FUNC size: %w", err)
	}
	name := ""
	if len(fields) == 4 {
		name = fields[3]
	}
	p.b.AddSymbol(addr, size, name)
	return nil
}

// public handles "PUBLIC [m] address param_size name".
func (p *parser) public(rest string) error {
	rest = strings.TrimPrefix(rest, "m ")
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) < 2 {
		return fmt.Errorf("PUBLIC: expected at least 2 fields, got %d", len(fields))
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return fmt.Errorf("PUBLIC address: %w", err)
	}
	name := ""
	if len(fields) == 3 {
		name = fields[2]
	}
	p.b.AddSymbol(addr, 0, name)
	return nil
}

// lineRecord handles "address size line filenum".
func (p *parser) lineRecord(line string) error {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return fmt.Errorf("line record: expected 4 fields, got %d", len(fields))
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return fmt.Errorf("line address: %w", err)
	}
	size, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return fmt.Errorf("line size: %w", err)
	}
	ln, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return fmt.Errorf("line number: %w", err)
	}
	file, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return fmt.Errorf("line file: %w", err)
	}
	p.lines = append(p.lines, pendingLine{addr: addr, size: size, line: uint32(ln), file: file})
	return nil
}

// inline handles "INLINE depth call_line call_file origin (address size)+".
func (p *parser) inline(rest string) error {
	fields := strings.Fields(rest)
	if len(fields) < 6 || len(fields)%2 != 0 {
		return fmt.Errorf("INLINE: unexpected field count %d", len(fields))
	}
	var nums [4]int64
	for i := range nums {
		n, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return fmt.Errorf("INLINE field %d: %w", i, err)
		}
		nums[i] = n
	}
	in := pendingInline{depth: int(nums[0]), callLine: uint32(nums[1]), callFile: nums[2], origin: nums[3]}
	for i := 4; i < len(fields); i += 2 {
		addr, err := strconv.ParseUint(fields[i], 16, 64)
		if err != nil {
			return fmt.Errorf("INLINE address: %w", err)
		}
		size, err := strconv.ParseUint(fields[i+1], 16, 64)
		if err != nil {
			return fmt.Errorf("INLINE size: %w", err)
		}
		in.ranges = append(in.ranges, [2]uint64{addr, addr + size})
	}
	p.inlines = append(p.inlines, in)
	return nil
}

// flush resolves file and origin references, which may appear after the
// records using them.
func (p *parser) flush() {
	for _, l := range p.lines {
		p.b.AddLine(l.addr, l.size, p.files[l.file], l.line)
	}
	for _, in := range p.inlines {
		name := p.origins[in.origin]
		for _, r := range in.ranges {
			p.b.AddInline(debuginfo.Inline{
				Start:    r[0],
				End:      r[1],
				Depth:    in.depth,
				Name:     name,
				CallFile: p.files[in.callFile],
				CallLine: in.callLine,
			})
		}
	}
}

func numberedName(rest string) (int64, string, error) {
	num, name, ok := strings.Cut(rest, " ")
	if !ok {
		return 0, "", fmt.Errorf("missing name")
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, "", err
	}
	return n, name, nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
