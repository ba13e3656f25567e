package precog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/symbolicator/pkg/debuginfo"
	"github.com/grafana/symbolicator/pkg/resolver"
)

const sample = `{
  "string_table": ["UNKNOWN", "foo", "main.c"],
  "data": [
    {
      "debug_name": "app.pdb",
      "debug_id": "AABBCCDD-EEFF-0011-2233-445566778899-1",
      "code_id": "5f3e1a2b4000",
      "known_addresses": [
        [4096, {"symbol": "foo"}],
        [8192, {"symbol": "bar", "frames": [
          {"function": "inlined", "file": "UNKNOWN", "line": 0},
          {"function": "bar", "file": "main.c", "line": 12}
        ]}]
      ]
    }
  ]
}`

func u64(v uint64) *uint64 { return &v }

func TestLoad(t *testing.T) {
	cs, err := Load(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, cs, 1)

	c := cs[0]
	require.Equal(t, debuginfo.FormatPrecog, c.Format())
	require.Equal(t, "aabbccddeeff00112233445566778899"+"1", c.Identity().ID)
	require.Equal(t, "app.pdb", c.Identity().DebugName)

	require.Equal(t, []debuginfo.Frame{{Symbol: "foo"}}, resolver.Resolve(c, 4096))
	// Only the recorded addresses are known.
	require.Equal(t, []debuginfo.Frame{{Address: u64(4097)}}, resolver.Resolve(c, 4097))
	require.Equal(t, []debuginfo.Frame{
		{Symbol: "inlined", Inlined: true},
		{Symbol: "bar", File: "main.c", Line: 12},
	}, resolver.Resolve(c, 8192))
}

func TestWriterRoundTrip(t *testing.T) {
	id := debuginfo.Identity{ID: "bbbb2222", DebugName: "libapp.so"}
	stacks := map[uint64][]debuginfo.Frame{
		0x3000: {
			{Symbol: "g", File: "helpers.h", Line: 3, Inlined: true},
			{Symbol: "f", File: "helpers.h", Line: 7, Inlined: true},
			{Symbol: "h", File: "main.c", Line: 42},
		},
		0x1010: {{Symbol: "foo"}},
	}

	w := NewWriter()
	for _, rva := range []uint64{0x3000, 0x1010, 0x3000} {
		require.NoError(t, w.Add(id, "", rva, stacks[rva]))
	}
	require.NoError(t, w.Add(id, "", 0x5000, []debuginfo.Frame{debuginfo.UnresolvedFrame(0x5000)}))
	require.ErrorIs(t, w.Add(id, "", 1<<40, stacks[0x1010]), errAddressTooLarge)

	f := w.File()
	require.Len(t, f.Data, 1)
	require.Len(t, f.Data[0].KnownAddresses, 2)
	require.Equal(t, "UNKNOWN", f.StringTable[0])

	var buf bytes.Buffer
	require.NoError(t, w.Encode(&buf))
	cs, err := Load(&buf)
	require.NoError(t, err)
	require.Len(t, cs, 1)

	for rva, want := range stacks {
		require.Equal(t, want, resolver.Resolve(cs[0], rva))
	}
	require.Equal(t, []debuginfo.Frame{{Address: u64(0x5000)}}, resolver.Resolve(cs[0], 0x5000))
}

func TestLoadErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"not json":       `{`,
		"bad pair":       `{"data":[{"debug_id":"aabbccdd","known_addresses":[[1]]}]}`,
		"bad debug id":   `{"data":[{"debug_id":"not an id","known_addresses":[]}]}`,
		"bad rva":        `{"data":[{"debug_id":"aabbccdd","known_addresses":[["x", {"symbol":"a"}]]}]}`,
		"bad info shape": `{"data":[{"debug_id":"aabbccdd","known_addresses":[[1, "a"]]}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	_, err := LoadFile("/does/not/exist.json")
	require.Error(t, err)
}
