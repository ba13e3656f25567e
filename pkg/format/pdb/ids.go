package pdb

import (
	"errors"
	"fmt"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

// IPI record kinds.
const (
	lfFuncID   = 0x1601
	lfMFuncID  = 0x1602
	lfStringID = 0x1605
)

// idTable indexes the records of the IPI stream, where inline sites find
// the names of their callees.
type idTable struct {
	begin   uint32
	kinds   []uint16
	records [][]byte
	cache   map[uint32]string
}

func readIDs(m *msf) (*idTable, error) {
	data, err := m.stream(streamIPI)
	if errors.Is(err, errNoStream) || len(data) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c := &cursor{b: data}
	c.skip(4) // version
	headerSize := c.u32()
	begin := c.u32()
	c.skip(4) // end
	recordBytes := c.u32()
	if c.err != nil {
		return nil, debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.Truncated, fmt.Errorf("IPI header: %w", c.err))
	}
	if uint64(headerSize)+uint64(recordBytes) > uint64(len(data)) {
		return nil, debuginfo.Errorf(debuginfo.FormatPDB, debuginfo.Truncated, "IPI records")
	}

	t := &idTable{begin: begin, cache: make(map[uint32]string)}
	err = forEachRecord(data[headerSize:headerSize+recordBytes], func(kind uint16, rec []byte) {
		t.kinds = append(t.kinds, kind)
		t.records = append(t.records, rec)
	})
	if err != nil {
		return nil, debuginfo.AsParseError(debuginfo.FormatPDB, debuginfo.InternalInconsistency, fmt.Errorf("IPI: %w", err))
	}
	return t, nil
}

// funcName returns the name of a LF_FUNC_ID or LF_MFUNC_ID item, qualified
// by its parent scope when the scope is a string item.
func (t *idTable) funcName(id uint32) string {
	if t == nil || id < t.begin {
		return ""
	}
	if name, ok := t.cache[id]; ok {
		return name
	}
	var name string
	i := id - t.begin
	if int(i) < len(t.records) {
		c := &cursor{b: t.records[i]}
		switch t.kinds[i] {
		case lfFuncID:
			scope := c.u32()
			c.skip(4)
			name = c.cstring()
			if s := t.stringID(scope); s != "" && name != "" {
				name = s + "::" + name
			}
		case lfMFuncID:
			c.skip(8)
			name = c.cstring()
		}
	}
	t.cache[id] = name
	return name
}

func (t *idTable) stringID(id uint32) string {
	if id < t.begin || int(id-t.begin) >= len(t.records) || t.kinds[id-t.begin] != lfStringID {
		return ""
	}
	c := &cursor{b: t.records[id-t.begin]}
	c.skip(4)
	return c.cstring()
}

// forEachRecord walks length-prefixed CodeView records. The length counts
// the kind but not itself.
func forEachRecord(data []byte, fn func(kind uint16, rec []byte)) error {
	c := &cursor{b: data}
	for c.remaining() >= 4 {
		n := int(c.u16())
		if n < 2 {
			return fmt.Errorf("record at %d: length %d", c.off-2, n)
		}
		kind := c.u16()
		rec := c.bytes(n - 2)
		if c.err != nil {
			return fmt.Errorf("record at %d: %w", c.off, c.err)
		}
		fn(kind, rec)
	}
	return nil
}
