package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/symbolicator/pkg/debuginfo"
	"github.com/grafana/symbolicator/pkg/resolver"
	"github.com/grafana/symbolicator/pkg/test/dwarftest"
	"github.com/grafana/symbolicator/pkg/test/machotest"
)

// writeFat wraps a thin image into a universal binary with a single slice.
func writeFat(t *testing.T, thin []byte) []byte {
	t.Helper()
	const sliceOffset = 0x1000
	var buf bytes.Buffer
	be := binary.BigEndian
	require.NoError(t, binary.Write(&buf, be, []uint32{0xcafebabe, 1}))
	require.NoError(t, binary.Write(&buf, be, []uint32{0x01000007, 3, sliceOffset, uint32(len(thin)), 12}))
	out := make([]byte, sliceOffset)
	copy(out, buf.Bytes())
	return append(out, thin...)
}

var testUUID = [16]byte{0x8c, 0x3a, 0x6f, 0x4e, 0x0b, 0x29, 0x3d, 0x24, 0x9e, 0x59, 0x2a, 0x1e, 0x7f, 0x0c, 0x8d, 0x11}

func testSymbols() []machotest.Nlist {
	return []machotest.Nlist{
		{Name: "_foo", Type: machotest.NSect | machotest.NExt, Sect: 1, Value: machotest.TextVMAddr + 0xf00},
		{Name: "__ZN3ns3barEv", Type: machotest.NSect | machotest.NExt, Sect: 1, Value: machotest.TextVMAddr + 0xf20},
		{Name: "_stab", Type: machotest.NFun, Sect: 1, Value: machotest.TextVMAddr + 0xf10},
		{Name: "_undefined", Type: machotest.NExt, Sect: 0, Value: 0},
	}
}

func writeMachO(uuid [16]byte, syms []machotest.Nlist) []byte {
	return machotest.Write(uuid, syms, nil)
}

func TestParseThin(t *testing.T) {
	c, err := Parse(writeMachO(testUUID, testSymbols()), "")
	require.NoError(t, err)
	checkContainer(t, c)
}

func TestParseFat(t *testing.T) {
	c, err := Parse(writeFat(t, writeMachO(testUUID, testSymbols())), "x86_64")
	require.NoError(t, err)
	checkContainer(t, c)
}

func checkContainer(t *testing.T, c *debuginfo.Container) {
	t.Helper()
	require.Equal(t, debuginfo.FormatMachO, c.Format())
	require.Equal(t, "8c3a6f4e0b293d249e592a1e7f0c8d11", c.Identity().ID)
	require.Equal(t, "x86_64", c.Arch())

	syms := c.Symbols()
	require.Len(t, syms, 2)
	require.Equal(t, "foo", syms[0].Name)
	require.Equal(t, uint64(0xf00), syms[0].Start)
	require.Equal(t, uint64(0xf20), syms[0].End)
	require.Equal(t, "ns::bar()", syms[1].Name)
	require.Equal(t, uint64(0x1000), syms[1].End)
	require.True(t, syms[1].InferredEnd)
}

func TestParseTruncated(t *testing.T) {
	data := writeMachO(testUUID, testSymbols())
	_, err := Parse(data[:20], "")
	require.Error(t, err)
	require.True(t, debuginfo.IsParseError(err))
}

func TestParseDWARF(t *testing.T) {
	for _, version := range []int{4, 5} {
		t.Run(fmt.Sprintf("v%d", version), func(t *testing.T) {
			data := machotest.Write(testUUID, testSymbols(), dwarftest.Sections(version, machotest.TextVMAddr))
			c, err := Parse(data, "")
			require.NoError(t, err)
			require.Equal(t, "8c3a6f4e0b293d249e592a1e7f0c8d11", c.Identity().ID)

			var names []string
			for _, s := range c.Symbols() {
				names = append(names, s.Name)
			}
			require.Equal(t, []string{"foo", "ns::bar()", "h", "method"}, names)

			l, ok := c.FindLine(0x1024)
			require.True(t, ok)
			require.Equal(t, dwarftest.InlFile, l.File)
			require.Equal(t, uint32(3), l.Line)

			require.Equal(t, []debuginfo.Frame{
				{Symbol: "g", File: dwarftest.InlFile, Line: 3, Inlined: true},
				{Symbol: "f", File: dwarftest.InlFile, Line: 7, Inlined: true},
				{Symbol: "h", File: dwarftest.MainFile, Line: 11},
			}, resolver.Resolve(c, 0x1024))
		})
	}
}
