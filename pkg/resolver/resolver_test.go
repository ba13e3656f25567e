package resolver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

func addr(v uint64) *uint64 { return &v }

func fooBar() *debuginfo.Container {
	b := debuginfo.NewBuilder(debuginfo.FormatBreakpad, debuginfo.Identity{ID: "aaaa1111"})
	b.AddSymbol(0x1000, 0x20, "foo")
	b.AddSymbol(0x1020, 0x30, "bar")
	return b.Build()
}

func inlined() *debuginfo.Container {
	b := debuginfo.NewBuilder(debuginfo.FormatBreakpad, debuginfo.Identity{ID: "bbbb2222"})
	b.AddSymbol(0x3000, 0x100, "h")
	b.AddLine(0x3000, 0x10, "helpers.h", 3)
	b.AddLine(0x3010, 0x30, "helpers.h", 43)
	b.AddLine(0x3040, 0xc0, "main.c", 50)
	b.AddInline(debuginfo.Inline{Start: 0x3000, End: 0x3040, Depth: 0, Name: "f", CallFile: "main.c", CallLine: 42})
	b.AddInline(debuginfo.Inline{Start: 0x3000, End: 0x3010, Depth: 1, Name: "g", CallFile: "helpers.h", CallLine: 7})
	return b.Build()
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		container *debuginfo.Container
		addr      uint64
		want      []debuginfo.Frame
	}{
		{
			name:      "inside first symbol",
			container: fooBar(),
			addr:      0x1010,
			want:      []debuginfo.Frame{{Symbol: "foo"}},
		},
		{
			name:      "last byte of second symbol",
			container: fooBar(),
			addr:      0x104f,
			want:      []debuginfo.Frame{{Symbol: "bar"}},
		},
		{
			name:      "past every symbol",
			container: fooBar(),
			addr:      0x2000,
			want:      []debuginfo.Frame{{Address: addr(0x2000)}},
		},
		{
			name:      "before every symbol",
			container: fooBar(),
			addr:      0x10,
			want:      []debuginfo.Frame{{Address: addr(0x10)}},
		},
		{
			name:      "no container",
			container: nil,
			addr:      0x1010,
			want:      []debuginfo.Frame{{Address: addr(0x1010)}},
		},
		{
			name:      "two inline levels",
			container: inlined(),
			addr:      0x3000,
			want: []debuginfo.Frame{
				{Symbol: "g", File: "helpers.h", Line: 3, Inlined: true},
				{Symbol: "f", File: "helpers.h", Line: 7, Inlined: true},
				{Symbol: "h", File: "main.c", Line: 42},
			},
		},
		{
			name:      "one inline level",
			container: inlined(),
			addr:      0x3020,
			want: []debuginfo.Frame{
				{Symbol: "f", File: "helpers.h", Line: 43, Inlined: true},
				{Symbol: "h", File: "main.c", Line: 42},
			},
		},
		{
			name:      "outside inline ranges",
			container: inlined(),
			addr:      0x3050,
			want:      []debuginfo.Frame{{Symbol: "h", File: "main.c", Line: 50}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Resolve(tt.container, tt.addr))
		})
	}
}

func TestInlineChainStopsAtGap(t *testing.T) {
	chain := inlineChain([]debuginfo.Inline{
		{Start: 0x10, End: 0x20, Depth: 0, Name: "a"},
		{Start: 0x12, End: 0x14, Depth: 2, Name: "c"},
	}, 0x13)
	require.Len(t, chain, 1)
	require.Equal(t, "a", chain[0].Name)
}

func TestInlineChainIgnoresRecordOrder(t *testing.T) {
	// A deeper range can start before the range of its parent that covers
	// the address when the parent is split.
	chain := inlineChain([]debuginfo.Inline{
		{Start: 0x10, End: 0x18, Depth: 0, Name: "a"},
		{Start: 0x17, End: 0x20, Depth: 1, Name: "b"},
		{Start: 0x18, End: 0x30, Depth: 0, Name: "a"},
	}, 0x19)
	require.Len(t, chain, 2)
	require.Equal(t, "a", chain[0].Name)
	require.Equal(t, "b", chain[1].Name)
}

func TestResolveDeterministic(t *testing.T) {
	c := inlined()
	first := Resolve(c, 0x3004)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Resolve(c, 0x3004))
	}
}
