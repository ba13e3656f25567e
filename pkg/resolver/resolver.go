// Package resolver answers "what is at this address" against a parsed
// container.
package resolver

import (
	"github.com/grafana/symbolicator/pkg/debuginfo"
)

// Resolve returns the frame stack for a module-relative address, innermost
// frame first. The result always has at least one frame: an address outside
// every symbol yields a single frame carrying only the address.
func Resolve(c *debuginfo.Container, addr uint64) []debuginfo.Frame {
	return AppendFrames(nil, c, addr)
}

// AppendFrames is Resolve appending into dst.
func AppendFrames(dst []debuginfo.Frame, c *debuginfo.Container, addr uint64) []debuginfo.Frame {
	if c == nil {
		return append(dst, debuginfo.UnresolvedFrame(addr))
	}
	i, ok := c.FindSymbol(addr)
	if !ok {
		return append(dst, debuginfo.UnresolvedFrame(addr))
	}
	sym := c.Symbols()[i]
	line, hasLine := c.FindLine(addr)

	chain := inlineChain(c.InlinesOf(i), addr)
	if len(chain) == 0 {
		f := debuginfo.Frame{Symbol: sym.Name}
		if hasLine {
			f.File, f.Line = line.File, line.Line
		}
		return append(dst, f)
	}

	// The innermost inlined function sits at the line table location; every
	// other frame sits at the call site recorded by the frame inside it.
	inner := chain[len(chain)-1]
	f := debuginfo.Frame{Symbol: inner.Name, Inlined: true}
	if hasLine {
		f.File, f.Line = line.File, line.Line
	}
	dst = append(dst, f)
	for d := len(chain) - 2; d >= 0; d-- {
		dst = append(dst, debuginfo.Frame{
			Symbol:  chain[d].Name,
			File:    chain[d+1].CallFile,
			Line:    chain[d+1].CallLine,
			Inlined: true,
		})
	}
	return append(dst, debuginfo.Frame{
		Symbol: sym.Name,
		File:   chain[0].CallFile,
		Line:   chain[0].CallLine,
	})
}

// inlineChain selects, per depth, the inline range covering addr. The chain
// stops at the first depth with no covering range, so chain[d] always has
// depth d.
func inlineChain(inlines []debuginfo.Inline, addr uint64) []debuginfo.Inline {
	var chain []debuginfo.Inline
	var found []bool
	for _, in := range inlines {
		if in.Start > addr {
			break
		}
		// A depth beyond the number of records can never be reached.
		if addr >= in.End || in.Depth < 0 || in.Depth >= len(inlines) {
			continue
		}
		for len(chain) <= in.Depth {
			chain = append(chain, debuginfo.Inline{})
			found = append(found, false)
		}
		chain[in.Depth], found[in.Depth] = in, true
	}
	for d, ok := range found {
		if !ok {
			return chain[:d]
		}
	}
	return chain
}
