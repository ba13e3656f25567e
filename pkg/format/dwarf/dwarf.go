// Package dwarf extracts function ranges, line tables and inlined call
// chains from DWARF debug data into a debuginfo.Builder.
package dwarf

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"io"

	"github.com/ianlancetaylor/demangle"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

// maxOriginChain bounds abstract_origin/specification indirections.
const maxOriginChain = 8

type loader struct {
	data *dwarf.Data
	bias uint64
	b    *debuginfo.Builder

	names map[dwarf.Offset]string
	files []*dwarf.LineFile
}

// Load adds everything DWARF knows about the module to b. Addresses are
// made relative by subtracting bias. A compilation unit that fails to
// decode is skipped; the first such error is returned after all others
// have been processed.
func Load(data *dwarf.Data, bias uint64, b *debuginfo.Builder) error {
	l := &loader{
		data:  data,
		bias:  bias,
		b:     b,
		names: make(map[dwarf.Offset]string),
	}
	return l.load()
}

type scope struct {
	kind  dwarf.Tag
	depth int
}

func (l *loader) load() error {
	var firstErr error
	r := l.data.Reader()

	var stack []scope
	for {
		e, err := r.Next()
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("read entry: %w", err)
			}
			break
		}
		if e == nil {
			break
		}
		if e.Tag == 0 {
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		switch e.Tag {
		case dwarf.TagCompileUnit, dwarf.TagPartialUnit:
			stack = stack[:0]
			if err := l.loadLines(e); err != nil && firstErr == nil {
				firstErr = err
			}
		case dwarf.TagSubprogram:
			l.addSubprogram(e)
		case dwarf.TagInlinedSubroutine:
			l.addInline(e, inlineDepth(stack))
		}

		if e.Children {
			stack = append(stack, scope{kind: e.Tag, depth: childDepth(stack, e.Tag)})
		}
	}
	return firstErr
}

// inlineDepth is the depth of an inlined_subroutine entry given its
// enclosing scopes.
func inlineDepth(stack []scope) int {
	if len(stack) == 0 {
		return 0
	}
	return stack[len(stack)-1].depth
}

func childDepth(stack []scope, tag dwarf.Tag) int {
	switch tag {
	case dwarf.TagCompileUnit, dwarf.TagPartialUnit, dwarf.TagSubprogram:
		return 0
	case dwarf.TagInlinedSubroutine:
		return inlineDepth(stack) + 1
	default:
		return inlineDepth(stack)
	}
}

func (l *loader) loadLines(cu *dwarf.Entry) error {
	l.files = nil
	lr, err := l.data.LineReader(cu)
	if err != nil {
		return fmt.Errorf("create line reader: %w", err)
	}
	if lr == nil {
		return nil
	}

	var (
		prev    dwarf.LineEntry
		hasPrev bool
	)
	for {
		var entry dwarf.LineEntry
		if err := lr.Next(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read line entry: %w", err)
		}
		if hasPrev && entry.Address > prev.Address {
			l.addLine(prev, entry.Address)
		}
		if entry.EndSequence {
			hasPrev = false
			continue
		}
		prev, hasPrev = entry, true
	}
	l.files = lr.Files()
	return nil
}

func (l *loader) addLine(e dwarf.LineEntry, end uint64) {
	if e.Address < l.bias || e.Line <= 0 {
		return
	}
	file := ""
	if e.File != nil {
		file = e.File.Name
	}
	l.b.AddLine(e.Address-l.bias, end-e.Address, file, uint32(e.Line))
}

func (l *loader) ranges(e *dwarf.Entry) [][2]uint64 {
	rs, err := l.data.Ranges(e)
	if err != nil {
		return nil
	}
	out := rs[:0]
	for _, r := range rs {
		if r[0] < l.bias || r[1] <= r[0] {
			continue
		}
		out = append(out, [2]uint64{r[0] - l.bias, r[1] - l.bias})
	}
	return out
}

func (l *loader) addSubprogram(e *dwarf.Entry) {
	if decl, _ := e.Val(dwarf.AttrDeclaration).(bool); decl {
		return
	}
	rs := l.ranges(e)
	if len(rs) == 0 {
		// Abstract instance; only its concrete copies have addresses.
		if _, ok := e.Val(dwarf.AttrInline).(int64); ok {
			l.names[e.Offset] = l.entryName(e, 0)
		}
		return
	}
	name := l.entryName(e, 0)
	if name == "" {
		return
	}
	for _, r := range rs {
		l.b.AddSymbol(r[0], r[1]-r[0], name)
	}
}

func (l *loader) addInline(e *dwarf.Entry, depth int) {
	rs := l.ranges(e)
	if len(rs) == 0 {
		return
	}
	name := l.entryName(e, 0)
	if name == "" {
		return
	}
	in := debuginfo.Inline{Depth: depth, Name: name}
	if line, ok := e.Val(dwarf.AttrCallLine).(int64); ok && line > 0 {
		in.CallLine = uint32(line)
	}
	if idx, ok := e.Val(dwarf.AttrCallFile).(int64); ok && idx >= 0 && int(idx) < len(l.files) && l.files[idx] != nil {
		in.CallFile = l.files[idx].Name
	}
	for _, r := range rs {
		in.Start, in.End = r[0], r[1]
		l.b.AddInline(in)
	}
}

// entryName resolves the display name of a subprogram, following
// abstract_origin and specification references.
func (l *loader) entryName(e *dwarf.Entry, chain int) string {
	if name, ok := e.Val(dwarf.AttrName).(string); ok && name != "" {
		return name
	}
	if name, ok := e.Val(dwarf.AttrLinkageName).(string); ok && name != "" {
		return demangle.Filter(name)
	}
	if chain >= maxOriginChain {
		return ""
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrAbstractOrigin, dwarf.AttrSpecification} {
		off, ok := e.Val(attr).(dwarf.Offset)
		if !ok {
			continue
		}
		if name, ok := l.names[off]; ok && name != "" {
			return name
		}
		name := l.nameAt(off, chain+1)
		l.names[off] = name
		if name != "" {
			return name
		}
	}
	return ""
}

func (l *loader) nameAt(off dwarf.Offset, chain int) string {
	r := l.data.Reader()
	r.Seek(off)
	e, err := r.Next()
	if err != nil || e == nil {
		return ""
	}
	return l.entryName(e, chain)
}
