// Package disasm tightens inferred symbol boundaries by decoding the
// instructions between two known symbol starts.
package disasm

import (
	"github.com/grafana/symbolicator/pkg/debuginfo"
)

// Stats summarizes one refinement pass.
type Stats struct {
	// Candidates is the number of symbols whose end was inferred and whose
	// code bytes were available.
	Candidates int
	// Refined is the number of symbols whose end moved.
	Refined int
	// Confirmed is the number of symbols whose inferred end was found to
	// be the end of a terminating sequence.
	Confirmed int
	// Failed is the number of symbols left untouched because their code
	// could not be decoded.
	Failed int
}

// boundaryFunc returns the offset just past the last instruction of the
// function starting at code[0], and false when no boundary was detected.
type boundaryFunc func(code []byte) (int, bool, error)

func finderFor(arch string) boundaryFunc {
	switch arch {
	case "x86_64", "amd64":
		return x86Boundary
	case "arm64", "aarch64":
		return arm64Boundary
	}
	return nil
}

// Supported reports whether Refine can decode code for arch.
func Supported(arch string) bool {
	return finderFor(arch) != nil
}

// Refine returns a container whose inferred symbol ends are replaced by
// decoded boundaries. It only applies to containers without line tables; the
// input container is never modified and is returned as is when nothing
// changed. Symbols are never renamed or extended.
func Refine(c *debuginfo.Container) (*debuginfo.Container, Stats) {
	var stats Stats
	if c == nil || c.HasLineInfo() || len(c.Symbols()) == 0 {
		return c, stats
	}
	find := finderFor(c.Arch())
	if find == nil {
		return c, stats
	}

	var refined []debuginfo.Symbol
	for i, s := range c.Symbols() {
		if !s.InferredEnd {
			continue
		}
		code := codeFor(c.Sections(), s.Start, s.End)
		if len(code) == 0 {
			continue
		}
		stats.Candidates++
		end, ok, err := find(code)
		switch {
		case err != nil:
			stats.Failed++
		case !ok || end <= 0:
		case end >= len(code):
			stats.Confirmed++
		default:
			if refined == nil {
				refined = append([]debuginfo.Symbol(nil), c.Symbols()...)
			}
			refined[i].End = s.Start + uint64(end)
			stats.Refined++
		}
	}
	if refined == nil {
		return c, stats
	}
	return c.WithSymbols(refined), stats
}

// codeFor returns the retained bytes of [start, end), clipped to the
// section holding start.
func codeFor(sections []debuginfo.Section, start, end uint64) []byte {
	for _, s := range sections {
		if len(s.Data) == 0 || start < s.Addr || start >= s.Addr+uint64(len(s.Data)) {
			continue
		}
		limit := s.Addr + uint64(len(s.Data))
		if end < limit {
			limit = end
		}
		return s.Data[start-s.Addr : limit-s.Addr]
	}
	return nil
}
