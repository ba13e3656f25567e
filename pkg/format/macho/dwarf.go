package macho

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/klauspost/compress/zlib"
)

// Section names are cut at 16 bytes; these are the DWARF 5 names that do
// not fit.
var longDebugSections = []string{
	"__debug_str_offsets",
	"__zdebug_line_str",
	"__zdebug_loclists",
	"__zdebug_pubnames",
	"__zdebug_pubtypes",
	"__zdebug_rnglists",
	"__zdebug_str_offsets",
}

// debugData assembles the __DWARF sections of f into a debug/dwarf view.
// It returns nil when the image carries no debug info.
func debugData(f *macho.File) (*dwarf.Data, error) {
	core := map[string][]byte{"abbrev": nil, "info": nil, "str": nil, "line": nil, "ranges": nil}
	var extra []*types.Section
	for _, s := range f.Sections {
		suffix := debugSuffix(s.Name)
		if suffix == "" {
			continue
		}
		if _, ok := core[suffix]; !ok {
			extra = append(extra, s)
			continue
		}
		b, err := sectionData(s)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.Name, err)
		}
		core[suffix] = b
	}
	if core["info"] == nil {
		return nil, nil
	}

	d, err := dwarf.New(core["abbrev"], nil, nil, core["info"], core["line"], nil, core["ranges"], core["str"])
	if err != nil {
		return nil, err
	}
	for i, s := range extra {
		b, err := sectionData(s)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.Name, err)
		}
		suffix := debugSuffix(s.Name)
		if suffix == "types" {
			err = d.AddTypes(fmt.Sprintf("types-%d", i), b)
		} else {
			err = d.AddSection(".debug_"+suffix, b)
		}
		if err != nil {
			return nil, fmt.Errorf("add %s: %w", s.Name, err)
		}
	}
	return d, nil
}

func debugSuffix(name string) string {
	var prefix int
	switch {
	case strings.HasPrefix(name, "__debug_"):
		prefix = len("__debug_")
	case strings.HasPrefix(name, "__zdebug_"):
		prefix = len("__zdebug_")
	default:
		return ""
	}
	for _, long := range longDebugSections {
		if name == long[:16] {
			name = long
			break
		}
	}
	return name[prefix:]
}

// sectionData reads a section, inflating it when it carries the
// "ZLIB" + big-endian size header of compressed debug sections.
func sectionData(s *types.Section) ([]byte, error) {
	b, err := s.Data()
	if err != nil {
		return nil, err
	}
	if len(b) < 12 || string(b[:4]) != "ZLIB" {
		return b, nil
	}
	size := binary.BigEndian.Uint64(b[4:12])
	if size > 1<<32 {
		return nil, fmt.Errorf("compressed section too large: %d bytes", size)
	}
	r, err := zlib.NewReader(bytes.NewReader(b[12:]))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]byte, size)
	if _, err = io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
