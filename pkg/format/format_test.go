package format

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

const testSym = "MODULE Linux x86_64 6EDC6ACDB282125843FD59DA9C81BD830 libfoo.so\n" +
	"FUNC 1000 20 0 foo\n" +
	"FUNC 1020 30 0 bar\n"

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want debuginfo.Format
	}{
		{name: "elf", data: []byte("\x7fELF\x02\x01\x01\x00"), want: debuginfo.FormatELF},
		{name: "breakpad", data: []byte(testSym), want: debuginfo.FormatBreakpad},
		{name: "pdb", data: []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00"), want: debuginfo.FormatPDB},
		{name: "macho 64", data: []byte{0xfe, 0xed, 0xfa, 0xcf, 0, 0, 0, 0}, want: debuginfo.FormatMachO},
		{name: "macho 64 little endian", data: []byte{0xcf, 0xfa, 0xed, 0xfe, 7, 0, 0, 1}, want: debuginfo.FormatMachO},
		{name: "fat", data: []byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 2}, want: debuginfo.FormatMachO},
		{name: "java class", data: []byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 52}, want: debuginfo.FormatUnknown},
		{name: "short", data: []byte{0xfe, 0xed}, want: debuginfo.FormatUnknown},
		{name: "text", data: []byte("hello world"), want: debuginfo.FormatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Detect(tt.data))
		})
	}
}

func TestParseCompressed(t *testing.T) {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	_, err := w.Write([]byte(testSym))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zst := enc.EncodeAll([]byte(testSym), nil)
	require.NoError(t, enc.Close())

	for name, data := range map[string][]byte{
		"plain": []byte(testSym),
		"gzip":  gz.Bytes(),
		"zstd":  zst,
	} {
		t.Run(name, func(t *testing.T) {
			c, err := Parse(data)
			require.NoError(t, err)
			require.Equal(t, debuginfo.FormatBreakpad, c.Format())
			require.Len(t, c.Symbols(), 2)
		})
	}
}

func TestParseUnknown(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		kind debuginfo.ErrorKind
	}{
		{name: "empty", data: nil, kind: debuginfo.Truncated},
		{name: "garbage", data: []byte("not a debug file"), kind: debuginfo.BadMagic},
		{name: "corrupt gzip", data: []byte{0x1f, 0x8b, 0x08, 0x00, 0x01}, kind: debuginfo.Truncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			var pe *debuginfo.ParseError
			require.ErrorAs(t, err, &pe)
			require.Equal(t, tt.kind, pe.Kind)
		})
	}
}
