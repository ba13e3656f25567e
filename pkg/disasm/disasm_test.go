package disasm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

func x86Text() []byte {
	var text []byte
	// foo: push rbp; mov rbp, rsp; pop rbp; ret; int3 padding
	text = append(text, 0x55, 0x48, 0x89, 0xe5, 0x5d, 0xc3)
	for len(text) < 0x10 {
		text = append(text, 0xcc)
	}
	// bar: an early ret skipped by a forward je, then the real epilogue
	text = append(text, 0x55, 0x48, 0x89, 0xe5, 0x74, 0x02, 0xc3, 0x90, 0x5d, 0xc3)
	for len(text) < 0x20 {
		text = append(text, 0xcc)
	}
	// baz: cut in the middle of an instruction
	return append(text, 0x55, 0x48, 0x89)
}

func arm64Text() []byte {
	words := []uint32{
		0xa9bf7bfd, // stp x29, x30, [sp, #-16]!
		0x910003fd, // mov x29, sp
		0xa8c17bfd, // ldp x29, x30, [sp], #16
		0xd65f03c0, // ret
		0xd503201f, 0xd503201f, 0xd503201f, 0xd503201f,
		0xa9bf7bfd,
		0x910003fd,
		0xa8c17bfd,
		0xd65f03c0,
	}
	text := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(text[4*i:], w)
	}
	return text
}

func container(arch string, text []byte, starts ...uint64) *debuginfo.Builder {
	b := debuginfo.NewBuilder(debuginfo.FormatELF, debuginfo.Identity{ID: "0011223344556677"})
	b.SetArch(arch)
	b.AddSection(debuginfo.Section{Name: ".text", Addr: 0x1000, Data: text})
	for i, s := range starts {
		b.AddSymbol(s, 0, string(rune('a'+i)))
	}
	return b
}

func ends(c *debuginfo.Container) []uint64 {
	var out []uint64
	for _, s := range c.Symbols() {
		out = append(out, s.End)
	}
	return out
}

func TestRefineX86(t *testing.T) {
	c := container("x86_64", x86Text(), 0x1000, 0x1010, 0x1020).Build()
	refined, stats := Refine(c)

	require.Equal(t, Stats{Candidates: 3, Refined: 2, Failed: 1}, stats)
	require.Equal(t, []uint64{0x1006, 0x101a, 0x1023}, ends(refined))
	require.Equal(t, []uint64{0x1010, 0x1020, 0x1023}, ends(c))

	for i, s := range refined.Symbols() {
		require.Equal(t, c.Symbols()[i].Name, s.Name)
		require.Equal(t, c.Symbols()[i].Start, s.Start)
	}
	_, ok := refined.FindSymbol(0x1008)
	require.False(t, ok)
}

func TestRefineArm64(t *testing.T) {
	c := container("arm64", arm64Text(), 0x1000, 0x1020).Build()
	refined, stats := Refine(c)

	require.Equal(t, Stats{Candidates: 2, Refined: 1, Confirmed: 1}, stats)
	require.Equal(t, []uint64{0x1010, 0x1030}, ends(refined))
}

func TestRefineSkips(t *testing.T) {
	t.Run("line info present", func(t *testing.T) {
		b := container("x86_64", x86Text(), 0x1000, 0x1010)
		b.AddLine(0x1000, 0x10, "a.c", 1)
		c := b.Build()
		refined, stats := Refine(c)
		require.Same(t, c, refined)
		require.Equal(t, Stats{}, stats)
	})
	t.Run("unsupported arch", func(t *testing.T) {
		c := container("riscv64", x86Text(), 0x1000, 0x1010).Build()
		refined, _ := Refine(c)
		require.Same(t, c, refined)
	})
	t.Run("sized symbols", func(t *testing.T) {
		b := debuginfo.NewBuilder(debuginfo.FormatELF, debuginfo.Identity{ID: "0011223344556677"})
		b.SetArch("x86_64")
		b.AddSection(debuginfo.Section{Name: ".text", Addr: 0x1000, Data: x86Text()})
		b.AddSymbol(0x1000, 0x10, "foo")
		c := b.Build()
		refined, stats := Refine(c)
		require.Same(t, c, refined)
		require.Zero(t, stats.Candidates)
	})
	t.Run("no code bytes", func(t *testing.T) {
		b := debuginfo.NewBuilder(debuginfo.FormatPDB, debuginfo.Identity{ID: "0011223344556677"})
		b.SetArch("x86_64")
		b.AddSection(debuginfo.Section{Name: ".text", Addr: 0x1000, Size: 0x100})
		b.AddSymbol(0x1000, 0, "foo")
		c := b.Build()
		refined, stats := Refine(c)
		require.Same(t, c, refined)
		require.Zero(t, stats.Candidates)
	})
	t.Run("nil", func(t *testing.T) {
		refined, _ := Refine(nil)
		require.Nil(t, refined)
	})
}

func TestSupported(t *testing.T) {
	require.True(t, Supported("x86_64"))
	require.True(t, Supported("arm64"))
	require.False(t, Supported("x86"))
}
