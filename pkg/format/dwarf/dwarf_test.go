package dwarf

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/symbolicator/pkg/debuginfo"
	"github.com/grafana/symbolicator/pkg/resolver"
	"github.com/grafana/symbolicator/pkg/test/dwarftest"
)

const testBias = 0x400000

func loadTestUnit(t *testing.T, version int) *debuginfo.Container {
	t.Helper()
	d, err := dwarftest.Data(version, testBias)
	require.NoError(t, err)
	b := debuginfo.NewBuilder(debuginfo.FormatELF, debuginfo.Identity{})
	require.NoError(t, Load(d, testBias, b))
	return b.Build()
}

func TestLoad(t *testing.T) {
	for _, version := range []int{4, 5} {
		t.Run(fmt.Sprintf("v%d", version), func(t *testing.T) {
			c := loadTestUnit(t, version)

			syms := c.Symbols()
			require.Len(t, syms, 2)
			require.Equal(t, "h", syms[0].Name)
			require.Equal(t, [2]uint64{0x1000, 0x1100}, [2]uint64{syms[0].Start, syms[0].End})
			// Named through DW_AT_specification.
			require.Equal(t, "method", syms[1].Name)
			require.Equal(t, [2]uint64{0x1100, 0x1120}, [2]uint64{syms[1].Start, syms[1].End})

			require.Equal(t, []debuginfo.Line{
				{Start: 0x1000, End: 0x1020, File: dwarftest.MainFile, Line: 10},
				{Start: 0x1020, End: 0x1030, File: dwarftest.InlFile, Line: 3},
				{Start: 0x1030, End: 0x1040, File: dwarftest.InlFile, Line: 7},
				{Start: 0x1040, End: 0x1100, File: dwarftest.MainFile, Line: 11},
				{Start: 0x1100, End: 0x1120, File: dwarftest.MainFile, Line: 20},
			}, c.Lines())

			// f is named through a forward abstract_origin, g through a
			// backward one; the lexical blocks do not add depth.
			require.Equal(t, []debuginfo.Inline{
				{Start: 0x1010, End: 0x1050, Depth: 0, Name: "f", CallFile: dwarftest.MainFile, CallLine: 11},
				{Start: 0x1020, End: 0x1030, Depth: 1, Name: "g", CallFile: dwarftest.InlFile, CallLine: 7},
			}, c.InlinesOf(0))
			require.Empty(t, c.InlinesOf(1))
		})
	}
}

func TestLoadResolvesInlineChain(t *testing.T) {
	c := loadTestUnit(t, 5)

	for _, tc := range []struct {
		addr uint64
		want []debuginfo.Frame
	}{
		{
			addr: 0x1024,
			want: []debuginfo.Frame{
				{Symbol: "g", File: dwarftest.InlFile, Line: 3, Inlined: true},
				{Symbol: "f", File: dwarftest.InlFile, Line: 7, Inlined: true},
				{Symbol: "h", File: dwarftest.MainFile, Line: 11},
			},
		},
		{
			addr: 0x1034,
			want: []debuginfo.Frame{
				{Symbol: "f", File: dwarftest.InlFile, Line: 7, Inlined: true},
				{Symbol: "h", File: dwarftest.MainFile, Line: 11},
			},
		},
		{
			addr: 0x1004,
			want: []debuginfo.Frame{{Symbol: "h", File: dwarftest.MainFile, Line: 10}},
		},
	} {
		t.Run(fmt.Sprintf("%#x", tc.addr), func(t *testing.T) {
			require.Equal(t, tc.want, resolver.Resolve(c, tc.addr))
		})
	}
}

func TestLoadDropsAddressesBelowBias(t *testing.T) {
	d, err := dwarftest.Data(4, 0x10)
	require.NoError(t, err)
	b := debuginfo.NewBuilder(debuginfo.FormatELF, debuginfo.Identity{})
	require.NoError(t, Load(d, 0x2000, b))
	c := b.Build()
	require.Empty(t, c.Symbols())
	require.Empty(t, c.Lines())
}
