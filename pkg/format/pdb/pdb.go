// Package pdb reads Microsoft program databases: procedures and public
// symbols, C13 line tables and inline sites.
package pdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

// Fixed stream indexes.
const (
	streamPDB = 1
	streamDBI = 3
	streamIPI = 4
)

const (
	modInfoFixedSize  = 64
	noStream          = 0xffff
	dbgHeaderSections = 5
	sectionHeaderSize = 40

	imageScnCntCode    = 0x00000020
	imageScnMemExecute = 0x20000000

	namesSignature = 0xeffeeffe
)

type dbiHeader struct {
	age           uint32
	symRecords    uint16
	modInfoSize   int32
	secContrSize  int32
	secMapSize    int32
	fileInfoSize  int32
	tsMapSize     int32
	optDbgHdrSize int32
	ecSize        int32
	machine       uint16
}

type module struct {
	stream  uint16
	symSize uint32
	c11Size uint32
	c13Size uint32
}

type section struct {
	name string
	va   uint32
	size uint32
	exec bool
}

// reader holds the stream-level state shared by all modules.
type reader struct {
	msf      *msf
	sections []section
	names    []byte
	ids      *idTable
}

// Parse reads a PDB file. A missing IPI stream drops inline information
// while keeping procedures and lines.
func Parse(data []byte) (*debuginfo.Container, error) {
	m, err := openMSF(data)
	if err != nil {
		return nil, err
	}
	r := &reader{msf: m}

	info, err := m.stream(streamPDB)
	if err != nil {
		return nil, streamError("PDB info", err)
	}
	ident, namesStream, err := readInfo(info)
	if err != nil {
		return nil, err
	}

	dbiData, err := m.stream(streamDBI)
	if err != nil {
		return nil, streamError("DBI", err)
	}
	hdr, modules, dbgHeader, err := readDBI(dbiData)
	if err != nil {
		return nil, err
	}
	if hdr.age != 0 {
		ident.age = hdr.age
	}

	if err := r.readSections(dbgHeader); err != nil {
		return nil, err
	}
	if namesStream >= 0 {
		if r.names, err = readNames(m, namesStream); err != nil {
			return nil, err
		}
	}
	if r.ids, err = readIDs(m); err != nil {
		return nil, err
	}

	id, err := debuginfo.NewIdentity(ident.String())
	if err != nil {
		return nil, debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.InternalInconsistency, err)
	}
	b := debuginfo.NewBuilder(debuginfo.FormatPDB, id)
	b.SetArch(machineName(hdr.machine))
	for _, s := range r.sections {
		if s.exec {
			b.AddSection(debuginfo.Section{Name: s.name, Addr: uint64(s.va), Size: uint64(s.size)})
		}
	}

	for _, mod := range modules {
		if err := r.readModule(b, mod); err != nil {
			return nil, err
		}
	}
	if hdr.symRecords != noStream {
		if err := r.readPublics(b, int(hdr.symRecords)); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

type identity struct {
	guid [16]byte
	age  uint32
}

// String renders the identity the way symbol servers key PDBs: the GUID
// in its canonical field order followed by the age.
func (i identity) String() string {
	le := binary.LittleEndian
	return fmt.Sprintf("%08x%04x%04x%x%x",
		le.Uint32(i.guid[0:]), le.Uint16(i.guid[4:]), le.Uint16(i.guid[6:]), i.guid[8:], i.age)
}

// readInfo parses the PDB info stream and the named stream map, returning
// the index of the /names stream or -1.
func readInfo(data []byte) (identity, int, error) {
	var id identity
	c := &cursor{b: data}
	version := c.u32()
	c.skip(4) // signature
	id.age = c.u32()
	copy(id.guid[:], c.bytes(16))
	if c.err != nil {
		return id, -1, debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.Truncated, fmt.Errorf("PDB info stream: %w", c.err))
	}
	if version < 20000404 {
		return id, -1, debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.UnsupportedVersion, "PDB info version %d", version)
	}

	bufLen := c.u32()
	buf := c.bytes(int(bufLen))
	size := c.u32()
	c.skip(4) // capacity
	present := c.u32()
	c.skip(int(present) * 4)
	deleted := c.u32()
	c.skip(int(deleted) * 4)
	for i := uint32(0); i < size && c.err == nil; i++ {
		key, value := c.u32(), c.u32()
		if name, ok := cstringAt(buf, key); ok && name == "/names" && c.err == nil {
			return id, int(value), nil
		}
	}
	// A PDB without a readable names map still has symbols.
	return id, -1, nil
}

func readDBI(data []byte) (dbiHeader, []module, []uint16, error) {
	var h dbiHeader
	c := &cursor{b: data}
	if sig := int32(c.u32()); c.err == nil && sig != -1 {
		return h, nil, nil, debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.UnsupportedVersion, "DBI signature %d", sig)
	}
	c.skip(4) // version
	h.age = c.u32()
	c.skip(2 + 2 + 2 + 2) // global stream, build, public stream, dll version
	h.symRecords = c.u16()
	c.skip(2)
	h.modInfoSize = int32(c.u32())
	h.secContrSize = int32(c.u32())
	h.secMapSize = int32(c.u32())
	h.fileInfoSize = int32(c.u32())
	h.tsMapSize = int32(c.u32())
	c.skip(4) // MFC type server
	h.optDbgHdrSize = int32(c.u32())
	h.ecSize = int32(c.u32())
	c.skip(2) // flags
	h.machine = c.u16()
	c.skip(4)
	if c.err != nil {
		return h, nil, nil, debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.Truncated, fmt.Errorf("DBI header: %w", c.err))
	}
	for _, n := range []int32{h.modInfoSize, h.secContrSize, h.secMapSize, h.fileInfoSize, h.tsMapSize, h.optDbgHdrSize, h.ecSize} {
		if n < 0 {
			return h, nil, nil, debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.InternalInconsistency, "negative DBI substream size %d", n)
		}
	}

	modData := c.bytes(int(h.modInfoSize))
	c.skip(int(h.secContrSize) + int(h.secMapSize) + int(h.fileInfoSize) + int(h.tsMapSize) + int(h.ecSize))
	dbgData := c.bytes(int(h.optDbgHdrSize))
	if c.err != nil {
		return h, nil, nil, debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.Truncated, fmt.Errorf("DBI substreams: %w", c.err))
	}

	var modules []module
	mc := &cursor{b: modData}
	for mc.remaining() >= modInfoFixedSize {
		mc.skip(4 + 28 + 2) // unused, section contribution, flags
		mod := module{stream: mc.u16(), symSize: mc.u32(), c11Size: mc.u32(), c13Size: mc.u32()}
		mc.skip(2 + 2 + 4 + 4 + 4)
		mc.cstring() // module name
		mc.cstring() // object file name
		mc.align(4)
		if mc.err != nil {
			return h, nil, nil, debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.Truncated, fmt.Errorf("module info: %w", mc.err))
		}
		modules = append(modules, mod)
	}

	dbg := make([]uint16, len(dbgData)/2)
	for i := range dbg {
		dbg[i] = binary.LittleEndian.Uint16(dbgData[i*2:])
	}
	return h, modules, dbg, nil
}

func (r *reader) readSections(dbgHeader []uint16) error {
	if len(dbgHeader) <= dbgHeaderSections || dbgHeader[dbgHeaderSections] == noStream {
		return nil
	}
	data, err := r.msf.stream(int(dbgHeader[dbgHeaderSections]))
	if err != nil {
		return streamError("section headers", err)
	}
	for off := 0; off+sectionHeaderSize <= len(data); off += sectionHeaderSize {
		h := data[off : off+sectionHeaderSize]
		chars := binary.LittleEndian.Uint32(h[36:])
		r.sections = append(r.sections, section{
			name: strings.TrimRight(string(h[:8]), "\x00"),
			size: binary.LittleEndian.Uint32(h[8:]),
			va:   binary.LittleEndian.Uint32(h[12:]),
			exec: chars&(imageScnCntCode|imageScnMemExecute) != 0,
		})
	}
	return nil
}

// rva converts a segment:offset pair into a relative virtual address.
// Segments are 1-based indexes into the section headers.
func (r *reader) rva(seg uint16, off uint32) (uint64, bool) {
	if seg == 0 || int(seg) > len(r.sections) {
		return 0, false
	}
	return uint64(r.sections[seg-1].va) + uint64(off), true
}

func (r *reader) executable(seg uint16) bool {
	return seg != 0 && int(seg) <= len(r.sections) && r.sections[seg-1].exec
}

func (r *reader) name(off uint32) string {
	s, _ := cstringAt(r.names, off)
	return s
}

func readNames(m *msf, i int) ([]byte, error) {
	data, err := m.stream(i)
	if errors.Is(err, errNoStream) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c := &cursor{b: data}
	sig := c.u32()
	c.skip(4) // hash version
	size := c.u32()
	buf := c.bytes(int(size))
	if c.err != nil {
		return nil, debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.Truncated, fmt.Errorf("/names stream: %w", c.err))
	}
	if sig != namesSignature {
		return nil, debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.InternalInconsistency, "/names signature %#x", sig)
	}
	return buf, nil
}

func streamError(name string, err error) error {
	if errors.Is(err, errNoStream) {
		return debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.InternalInconsistency, "%s stream missing", name)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.Truncated, fmt.Errorf("%s stream: %w", name, err))
	}
	return err
}

func machineName(m uint16) string {
	switch m {
	case 0x8664:
		return "x86_64"
	case 0x14c:
		return "x86"
	case 0xaa64:
		return "arm64"
	case 0x1c4:
		return "arm"
	default:
		return fmt.Sprintf("machine_%#x", m)
	}
}
