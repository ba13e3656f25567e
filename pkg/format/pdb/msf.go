package pdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

var msfMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

const (
	superBlockSize = 56
	nilStreamSize  = 0xffffffff
)

var errNoStream = errors.New("stream not present")

// IsMSF reports whether data starts with an MSF 7.00 superblock.
func IsMSF(data []byte) bool {
	return bytes.HasPrefix(data, msfMagic)
}

// msf is a read-only view of the multi-stream container underlying a PDB.
type msf struct {
	data      []byte
	blockSize uint32
	numBlocks uint32
	streams   [][]uint32
	sizes     []uint32
}

func openMSF(data []byte) (*msf, error) {
	if !IsMSF(data) {
		if len(data) < len(msfMagic) && bytes.HasPrefix(msfMagic, data) {
			return nil, debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.Truncated, "superblock")
		}
		return nil, debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.BadMagic, "not an MSF 7.00 file")
	}
	if len(data) < superBlockSize {
		return nil, debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.Truncated, "superblock")
	}
	le := binary.LittleEndian
	m := &msf{
		data:      data,
		blockSize: le.Uint32(data[32:]),
		numBlocks: le.Uint32(data[40:]),
	}
	switch m.blockSize {
	case 512, 1024, 2048, 4096:
	default:
		return nil, debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.UnsupportedVersion, "block size %d", m.blockSize)
	}
	dirBytes := le.Uint32(data[44:])
	blockMap, err := m.block(le.Uint32(data[52:]))
	if err != nil {
		return nil, err
	}
	numDirBlocks := m.blocksFor(dirBytes)
	if int(numDirBlocks)*4 > len(blockMap) {
		return nil, debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.InternalInconsistency, "directory needs %d blocks", numDirBlocks)
	}
	dirBlocks := make([]uint32, numDirBlocks)
	for i := range dirBlocks {
		dirBlocks[i] = le.Uint32(blockMap[i*4:])
	}
	dir, err := m.gather(dirBlocks, dirBytes)
	if err != nil {
		return nil, err
	}
	if err := m.readDirectory(dir); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *msf) readDirectory(dir []byte) error {
	c := &cursor{b: dir}
	n := c.u32()
	if c.err == nil && uint64(n)*4 > uint64(len(dir)) {
		return debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.InternalInconsistency, "%d streams in a %d byte directory", n, len(dir))
	}
	m.sizes = make([]uint32, n)
	for i := range m.sizes {
		m.sizes[i] = c.u32()
	}
	m.streams = make([][]uint32, n)
	for i, size := range m.sizes {
		if size == nilStreamSize {
			continue
		}
		blocks := make([]uint32, m.blocksFor(size))
		for j := range blocks {
			blocks[j] = c.u32()
		}
		m.streams[i] = blocks
	}
	if c.err != nil {
		return debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.Truncated, c.err)
	}
	return nil
}

func (m *msf) blocksFor(size uint32) uint32 {
	return uint32((uint64(size) + uint64(m.blockSize) - 1) / uint64(m.blockSize))
}

func (m *msf) block(i uint32) ([]byte, error) {
	start := uint64(i) * uint64(m.blockSize)
	end := start + uint64(m.blockSize)
	if i >= m.numBlocks {
		return nil, debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.InternalInconsistency, "block %d out of %d", i, m.numBlocks)
	}
	if end > uint64(len(m.data)) {
		return nil, debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.Truncated, "block %d past end of file", i)
	}
	return m.data[start:end], nil
}

func (m *msf) gather(blocks []uint32, size uint32) ([]byte, error) {
	out := make([]byte, 0, int(size))
	for _, b := range blocks {
		data, err := m.block(b)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	if uint32(len(out)) < size {
		return nil, debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.InternalInconsistency, "stream needs %d bytes, has %d", size, len(out))
	}
	return out[:size], nil
}

// stream returns the contents of stream i, or errNoStream when the
// directory has no such stream.
func (m *msf) stream(i int) ([]byte, error) {
	if i < 0 || i >= len(m.sizes) || m.sizes[i] == nilStreamSize {
		return nil, errNoStream
	}
	return m.gather(m.streams[i], m.sizes[i])
}

// cursor reads little-endian values, latching the first short read.
type cursor struct {
	b   []byte
	off int
	err error
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if n < 0 || c.off+n > len(c.b) {
		c.err = io.ErrUnexpectedEOF
		return false
	}
	return true
}

func (c *cursor) remaining() int { return len(c.b) - c.off }

func (c *cursor) u8() uint8 {
	if !c.need(1) {
		return 0
	}
	v := c.b[c.off]
	c.off++
	return v
}

func (c *cursor) u16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(c.b[c.off:])
	c.off += 2
	return v
}

func (c *cursor) u32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.b[c.off:])
	c.off += 4
	return v
}

func (c *cursor) bytes(n int) []byte {
	if !c.need(n) {
		return nil
	}
	v := c.b[c.off : c.off+n]
	c.off += n
	return v
}

func (c *cursor) skip(n int) { c.bytes(n) }

func (c *cursor) cstring() string {
	if c.err != nil {
		return ""
	}
	i := bytes.IndexByte(c.b[c.off:], 0)
	if i < 0 {
		c.err = io.ErrUnexpectedEOF
		return ""
	}
	s := string(c.b[c.off : c.off+i])
	c.off += i + 1
	return s
}

func (c *cursor) align(n int) {
	if rem := c.off % n; rem != 0 {
		pad := n - rem
		if c.off+pad > len(c.b) {
			pad = len(c.b) - c.off
		}
		c.off += pad
	}
}

// cstringAt reads a NUL terminated string at off.
func cstringAt(b []byte, off uint32) (string, bool) {
	if uint64(off) >= uint64(len(b)) {
		return "", false
	}
	i := bytes.IndexByte(b[off:], 0)
	if i < 0 {
		return "", false
	}
	return string(b[off : int(off)+i]), true
}
