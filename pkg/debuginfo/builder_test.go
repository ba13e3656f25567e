package debuginfo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "gnu build id", raw: "2fa2055ef20fabc972d5751147e093275514b142", want: "2fa2055ef20fabc972d5751147e093275514b142"},
		{name: "mach-o uuid", raw: "8C3A6F4E-0B29-3D24-9E59-2A1E7F0C8D11", want: "8c3a6f4e0b293d249e592a1e7f0c8d11"},
		{name: "pdb guid in braces", raw: " {8C3A6F4E-0B29-3D24-9E59-2A1E7F0C8D11}1 ", want: "8c3a6f4e0b293d249e592a1e7f0c8d111"},
		{name: "breakpad mach-o id", raw: "8C3A6F4E0B293D249E592A1E7F0C8D110", want: "8c3a6f4e0b293d249e592a1e7f0c8d11"},
		{name: "breakpad id with age", raw: "8C3A6F4E0B293D249E592A1E7F0C8D112", want: "8c3a6f4e0b293d249e592a1e7f0c8d112"},
		{name: "empty", raw: "", wantErr: true},
		{name: "too short", raw: "abc", wantErr: true},
		{name: "path traversal", raw: "../../etc/passwd", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeID(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, IsInvalidIdentity(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBreakpadID(t *testing.T) {
	id, err := NewIdentity("8C3A6F4E-0B29-3D24-9E59-2A1E7F0C8D11")
	require.NoError(t, err)
	require.Equal(t, "8c3a6f4e0b293d249e592a1e7f0c8d110", id.BreakpadID())

	sym, err := NewIdentity(id.BreakpadID())
	require.NoError(t, err)
	require.True(t, id.Equal(sym))
	require.Equal(t, id.Key(), sym.Key())

	pdb := Identity{ID: "8c3a6f4e0b293d249e592a1e7f0c8d112"}
	require.Equal(t, pdb.ID, pdb.BreakpadID())
}

func TestIdentityEqualIgnoresPath(t *testing.T) {
	a := Identity{ID: "0011223344556677", Path: "/usr/lib/a.so"}
	b := Identity{ID: "0011223344556677", Path: "/tmp/copy.so", LoadBase: 0x1000}
	c := Identity{ID: "0011223344556678", Path: "/usr/lib/a.so"}
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestBuilderSymbols(t *testing.T) {
	b := NewBuilder(FormatBreakpad, Identity{ID: "0011223344556677"})
	b.AddSection(Section{Name: ".text", Addr: 0x1000, Size: 0x100})
	b.AddSymbol(0x1020, 0x30, "bar")
	b.AddSymbol(0x1000, 0x20, "foo")
	b.AddSymbol(0x1000, 0, "foo_alias")
	b.AddSymbol(0x1050, 0x100, "overlapping")
	b.AddSymbol(0x1080, 0, "tail")
	c := b.Build()

	require.Equal(t, []Symbol{
		{Start: 0x1000, End: 0x1020, Name: "foo"},
		{Start: 0x1020, End: 0x1050, Name: "bar"},
		{Start: 0x1050, End: 0x1080, Name: "overlapping"},
		{Start: 0x1080, End: 0x1100, Name: "tail", InferredEnd: true},
	}, stripInlineIndex(c.Symbols()))
	require.False(t, c.HasLineInfo())
	require.False(t, c.HasInlineInfo())
}

func TestBuilderTrailingSymbolWithoutBound(t *testing.T) {
	b := NewBuilder(FormatBreakpad, Identity{})
	b.AddSymbol(0x2000, 0, "last")
	c := b.Build()
	require.Equal(t, []Symbol{{Start: 0x2000, End: 0x2001, Name: "last", InferredEnd: true}}, stripInlineIndex(c.Symbols()))
}

func TestBuilderLines(t *testing.T) {
	b := NewBuilder(FormatELF, Identity{})
	b.AddSymbol(0x1000, 0x40, "main")
	b.AddLine(0x1000, 0, "main.c", 10)
	b.AddLine(0x1010, 0, "main.c", 11)
	b.AddLine(0x1010, 0, "main.c", 12)
	b.AddLine(0x1020, 0x100, "main.c", 13)
	b.AddLine(0x1030, 0, "main.c", 14)
	c := b.Build()

	require.True(t, c.HasLineInfo())
	require.Equal(t, []Line{
		{Start: 0x1000, End: 0x1010, File: "main.c", Line: 10},
		{Start: 0x1010, End: 0x1020, File: "main.c", Line: 12},
		{Start: 0x1020, End: 0x1030, File: "main.c", Line: 13},
		{Start: 0x1030, End: 0x1040, File: "main.c", Line: 14},
	}, c.Lines())

	l, ok := c.FindLine(0x1025)
	require.True(t, ok)
	require.Equal(t, uint32(13), l.Line)
	_, ok = c.FindLine(0x1040)
	require.False(t, ok)
}

func TestBuilderInlinesAssignedToSymbols(t *testing.T) {
	b := NewBuilder(FormatBreakpad, Identity{})
	b.AddSymbol(0x3000, 0x100, "h")
	b.AddSymbol(0x3100, 0x100, "other")
	b.AddInline(Inline{Start: 0x3010, End: 0x3020, Depth: 1, Name: "g"})
	b.AddInline(Inline{Start: 0x3000, End: 0x3040, Depth: 0, Name: "f"})
	b.AddInline(Inline{Start: 0x3100, End: 0x3110, Depth: 0, Name: "x"})
	b.AddInline(Inline{Start: 0x3200, End: 0x3100, Depth: 0, Name: "invalid"})
	c := b.Build()

	require.True(t, c.HasInlineInfo())
	require.Equal(t, []string{"f", "g"}, inlineNames(c.InlinesOf(0)))
	require.Equal(t, []string{"x"}, inlineNames(c.InlinesOf(1)))
}

func TestFindSymbol(t *testing.T) {
	b := NewBuilder(FormatBreakpad, Identity{})
	b.AddSymbol(0x1000, 0x20, "foo")
	b.AddSymbol(0x1040, 0x10, "bar")
	c := b.Build()

	for _, tc := range []struct {
		addr uint64
		want string
	}{
		{0x0fff, ""},
		{0x1000, "foo"},
		{0x101f, "foo"},
		{0x1020, ""},
		{0x1045, "bar"},
		{0x1050, ""},
	} {
		i, ok := c.FindSymbol(tc.addr)
		if tc.want == "" {
			require.False(t, ok, "0x%x", tc.addr)
			continue
		}
		require.True(t, ok, "0x%x", tc.addr)
		require.Equal(t, tc.want, c.Symbols()[i].Name)
	}
}

func TestWithSymbolsDoesNotMutate(t *testing.T) {
	b := NewBuilder(FormatELF, Identity{})
	b.AddSymbol(0x1000, 0, "a")
	b.AddSymbol(0x1100, 0, "b")
	c := b.Build()

	syms := append([]Symbol(nil), c.Symbols()...)
	syms[0].End = 0x1010
	refined := c.WithSymbols(syms)

	require.Equal(t, uint64(0x1100), c.Symbols()[0].End)
	require.Equal(t, uint64(0x1010), refined.Symbols()[0].End)
}

func stripInlineIndex(in []Symbol) []Symbol {
	out := make([]Symbol, len(in))
	for i, s := range in {
		out[i] = Symbol{Start: s.Start, End: s.End, Name: s.Name, InferredEnd: s.InferredEnd}
	}
	return out
}

func inlineNames(in []Inline) []string {
	var out []string
	for _, i := range in {
		out = append(out, i.Name)
	}
	return out
}
