// Package format detects the kind of a debug container from its leading
// bytes and dispatches to the matching reader.
package format

import (
	"bytes"
	"encoding/binary"

	"github.com/grafana/symbolicator/pkg/debuginfo"
	"github.com/grafana/symbolicator/pkg/format/breakpad"
	"github.com/grafana/symbolicator/pkg/format/elf"
	"github.com/grafana/symbolicator/pkg/format/macho"
	"github.com/grafana/symbolicator/pkg/format/pdb"
)

var (
	elfMagic      = []byte("\x7fELF")
	breakpadMagic = []byte("MODULE ")
)

const (
	machoMagic32 = 0xfeedface
	machoMagic64 = 0xfeedfacf
	machoCigam32 = 0xcefaedfe
	machoCigam64 = 0xcffaedfe
	machoFat     = 0xcafebabe
	machoFat64   = 0xcafebabf

	// Java class files share the fat magic; real fat headers never carry
	// this many slices.
	maxFatArches = 20
)

// Options tune how containers are read.
type Options struct {
	// Arch selects the slice of a universal Mach-O binary, e.g. "arm64".
	Arch string
}

// Detect returns the container format of data, or FormatUnknown.
func Detect(data []byte) debuginfo.Format {
	switch {
	case bytes.HasPrefix(data, elfMagic):
		return debuginfo.FormatELF
	case bytes.HasPrefix(data, breakpadMagic):
		return debuginfo.FormatBreakpad
	case pdb.IsMSF(data):
		return debuginfo.FormatPDB
	}
	if len(data) < 8 {
		return debuginfo.FormatUnknown
	}
	switch binary.BigEndian.Uint32(data) {
	case machoMagic32, machoMagic64, machoCigam32, machoCigam64:
		return debuginfo.FormatMachO
	case machoFat, machoFat64:
		if n := binary.BigEndian.Uint32(data[4:]); n > 0 && n < maxFatArches {
			return debuginfo.FormatMachO
		}
	}
	return debuginfo.FormatUnknown
}

// Parse decodes a debug container. Compressed payloads are inflated first.
// The function performs no I/O and is safe for concurrent use.
func Parse(data []byte) (*debuginfo.Container, error) {
	return ParseWithOptions(data, Options{})
}

func ParseWithOptions(data []byte, opts Options) (*debuginfo.Container, error) {
	data, err := decompress(data)
	if err != nil {
		return nil, debuginfo.AsParseError(debuginfo.FormatUnknown, debuginfo.Truncated, err)
	}
	switch f := Detect(data); f {
	case debuginfo.FormatELF:
		return elf.Parse(data)
	case debuginfo.FormatMachO:
		return macho.Parse(data, opts.Arch)
	case debuginfo.FormatPDB:
		return pdb.Parse(data)
	case debuginfo.FormatBreakpad:
		return breakpad.Parse(data)
	default:
		if len(data) < 4 {
			return nil, debuginfo.Errorf(f, debuginfo.Truncated, "%d bytes is too short to identify a container", len(data))
		}
		return nil, debuginfo.Errorf(f, debuginfo.BadMagic, "unrecognized magic % x", data[:4])
	}
}
