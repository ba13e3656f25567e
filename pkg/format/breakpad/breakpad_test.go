package breakpad

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

const inlineSym = `MODULE Linux x86_64 6EDC6ACDB282125843FD59DA9C81BD830 libexample.so
INFO CODE_ID CD6ADC6E82B25812
FILE 0 /src/main.c
FILE 1 /src/helpers.h
INLINE_ORIGIN 0 f
INLINE_ORIGIN 1 g
FUNC 3000 100 0 h
INLINE 0 42 0 0 3000 40
INLINE 1 7 1 1 3000 10
3000 10 3 1
3010 30 43 0
3040 c0 50 0
PUBLIC 4000 0 exported_without_size
STACK CFI INIT 3000 100 .cfa: $rsp 8 + .ra: .cfa -8 + ^
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(inlineSym))
	require.NoError(t, err)

	require.Equal(t, debuginfo.FormatBreakpad, c.Format())
	require.Equal(t, "6edc6acdb282125843fd59da9c81bd83", c.Identity().ID)
	require.Equal(t, "libexample.so", c.Identity().DebugName)
	require.Equal(t, "x86_64", c.Arch())
	require.True(t, c.HasLineInfo())
	require.True(t, c.HasInlineInfo())

	syms := c.Symbols()
	require.Len(t, syms, 2)
	require.Equal(t, debuginfo.Symbol{Start: 0x3000, End: 0x3100, Name: "h"}.Name, syms[0].Name)
	require.Equal(t, uint64(0x3100), syms[0].End)
	require.Equal(t, "exported_without_size", syms[1].Name)
	require.True(t, syms[1].InferredEnd)

	inlines := c.InlinesOf(0)
	require.Len(t, inlines, 2)
	require.Equal(t, debuginfo.Inline{Start: 0x3000, End: 0x3040, Depth: 0, Name: "f", CallFile: "/src/main.c", CallLine: 42}, inlines[0])
	require.Equal(t, debuginfo.Inline{Start: 0x3000, End: 0x3010, Depth: 1, Name: "g", CallFile: "/src/helpers.h", CallLine: 7}, inlines[1])

	l, ok := c.FindLine(0x3005)
	require.True(t, ok)
	require.Equal(t, "/src/helpers.h", l.File)
	require.Equal(t, uint32(3), l.Line)
}

func TestParseMultipleAndReferencesAfterUse(t *testing.T) {
	sym := strings.Join([]string{
		"MODULE windows x86 A1B2C3D4E5F60718293A4B5C6D7E8F901 app.pdb",
		"FUNC m 1000 20 0 foo",
		"1000 20 12 7",
		"FUNC 1020 30 0 bar",
		"FILE 7 c:\\src\\foo.cpp",
	}, "\n")
	c, err := Parse([]byte(sym))
	require.NoError(t, err)
	require.Len(t, c.Symbols(), 2)
	l, ok := c.FindLine(0x1010)
	require.True(t, ok)
	require.Equal(t, "c:\\src\\foo.cpp", l.File)
}

func TestParseSkipsMalformedRecords(t *testing.T) {
	sym := strings.Join([]string{
		"MODULE Linux x86_64 6EDC6ACDB282125843FD59DA9C81BD830 libfoo.so",
		"FILE 0 /src/foo.c",
		"FILE x /src/bad.c",
		"FUNC 1000 20 0 foo",
		"1000 10 1",
		"1010 10 12 0",
		"FUNC xyz 10 0 broken",
		"INLINE 0 1 0 0 1000",
		"FUNC 1020 30 0 bar",
		"1020 30 20 0",
	}, "\n")
	c, err := Parse([]byte(sym))
	require.NoError(t, err)
	require.Equal(t, 4, c.SkippedRecords())

	syms := c.Symbols()
	require.Len(t, syms, 2)
	require.Equal(t, "foo", syms[0].Name)
	require.Equal(t, "bar", syms[1].Name)
	require.False(t, c.HasInlineInfo())

	l, ok := c.FindLine(0x1014)
	require.True(t, ok)
	require.Equal(t, "/src/foo.c", l.File)
	require.Equal(t, uint32(12), l.Line)
	l, ok = c.FindLine(0x1030)
	require.True(t, ok)
	require.Equal(t, uint32(20), l.Line)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		kind debuginfo.ErrorKind
	}{
		{name: "empty", data: "", kind: debuginfo.Truncated},
		{name: "no module", data: "FUNC 1000 10 0 foo\n", kind: debuginfo.BadMagic},
		{name: "bad id", data: "MODULE Linux x86_64 zz libfoo.so\n", kind: debuginfo.InternalInconsistency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			var pe *debuginfo.ParseError
			require.ErrorAs(t, err, &pe)
			require.Equal(t, tt.kind, pe.Kind)
		})
	}
}
