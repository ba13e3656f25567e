// Package precog reads and writes presymbolication files: per-library tables
// of already symbolicated addresses that stand in for debug files.
package precog

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	json "github.com/json-iterator/go"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

// unknown is written in place of a missing function or file name.
const unknown = "UNKNOWN"

// File is the JSON document.
type File struct {
	StringTable []string  `json:"string_table"`
	Data        []Library `json:"data"`
}

type Library struct {
	DebugName      string         `json:"debug_name"`
	DebugID        string         `json:"debug_id"`
	CodeID         string         `json:"code_id"`
	KnownAddresses []KnownAddress `json:"known_addresses"`
}

// KnownAddress is encoded as the pair [rva, {symbol, frames}].
type KnownAddress struct {
	RVA    uint32
	Symbol string
	// Frames lists the call stack at RVA, innermost first. The last frame
	// is the function containing RVA.
	Frames []Frame
}

type Frame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     uint32 `json:"line"`
}

type addressInfo struct {
	Symbol string  `json:"symbol"`
	Frames []Frame `json:"frames,omitempty"`
}

func (a KnownAddress) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{a.RVA, addressInfo{Symbol: a.Symbol, Frames: a.Frames}})
}

func (a *KnownAddress) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("known address: expected [rva, info], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &a.RVA); err != nil {
		return fmt.Errorf("known address rva: %w", err)
	}
	var info addressInfo
	if err := json.Unmarshal(pair[1], &info); err != nil {
		return fmt.Errorf("known address info: %w", err)
	}
	a.Symbol, a.Frames = info.Symbol, info.Frames
	return nil
}

// Decode reads a presymbolication file.
func Decode(r io.Reader) (*File, error) {
	var f File
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode presymbolication file: %w", err)
	}
	return &f, nil
}

// Load reads a presymbolication file into one container per library.
func Load(r io.Reader) ([]*debuginfo.Container, error) {
	f, err := Decode(r)
	if err != nil {
		return nil, err
	}
	out := make([]*debuginfo.Container, 0, len(f.Data))
	for i := range f.Data {
		c, err := f.Data[i].Container()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// LoadFile is Load reading from a path.
func LoadFile(path string) ([]*debuginfo.Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cs, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cs, nil
}

// Container converts the library into a container that answers exactly the
// known addresses.
func (l *Library) Container() (*debuginfo.Container, error) {
	id, err := debuginfo.NewIdentity(l.DebugID)
	if err != nil {
		return nil, err
	}
	id.DebugName = l.DebugName

	b := debuginfo.NewBuilder(debuginfo.FormatPrecog, id)
	for _, a := range l.KnownAddresses {
		start := uint64(a.RVA)
		b.AddSymbol(start, 1, known(a.Symbol))
		if len(a.Frames) == 0 {
			continue
		}
		inner := a.Frames[0]
		b.AddLine(start, 1, known(inner.File), inner.Line)
		// Every frame but the outermost is an inlined call; the call site of
		// frame i is the location recorded by frame i+1.
		depth := 0
		for i := len(a.Frames) - 2; i >= 0; i-- {
			outer := a.Frames[i+1]
			b.AddInline(debuginfo.Inline{
				Start:    start,
				End:      start + 1,
				Depth:    depth,
				Name:     known(a.Frames[i].Function),
				CallFile: known(outer.File),
				CallLine: outer.Line,
			})
			depth++
		}
	}
	return b.Build(), nil
}

func known(s string) string {
	if s == unknown {
		return ""
	}
	return s
}

// Writer accumulates symbolicated addresses and encodes them as a
// presymbolication file.
type Writer struct {
	libs    map[string]*Library
	order   []string
	strings map[string]struct{}
}

func NewWriter() *Writer {
	return &Writer{
		libs:    make(map[string]*Library),
		strings: map[string]struct{}{unknown: {}},
	}
}

var errAddressTooLarge = errors.New("address does not fit a 32-bit rva")

// Add records the frames resolved for a module-relative address. Frames are
// innermost first, as returned by the resolver. Unresolved addresses are
// skipped.
func (w *Writer) Add(id debuginfo.Identity, codeID string, rva uint64, frames []debuginfo.Frame) error {
	if rva > math.MaxUint32 {
		return errAddressTooLarge
	}
	if len(frames) == 0 || !frames[len(frames)-1].Resolved() {
		return nil
	}
	lib, ok := w.libs[id.Key()]
	if !ok {
		lib = &Library{DebugName: id.DebugName, DebugID: id.ID, CodeID: codeID}
		w.libs[id.Key()] = lib
		w.order = append(w.order, id.Key())
	}

	a := KnownAddress{RVA: uint32(rva), Symbol: w.intern(frames[len(frames)-1].Symbol)}
	withFiles := false
	for _, f := range frames {
		withFiles = withFiles || f.File != ""
	}
	if withFiles {
		a.Frames = make([]Frame, len(frames))
		for i, f := range frames {
			a.Frames[i] = Frame{Function: w.intern(f.Symbol), File: w.intern(f.File), Line: f.Line}
		}
	}
	lib.KnownAddresses = append(lib.KnownAddresses, a)
	return nil
}

func (w *Writer) intern(s string) string {
	if s == "" {
		return unknown
	}
	w.strings[s] = struct{}{}
	return s
}

// File returns the document. Libraries keep insertion order; addresses are
// sorted and deduplicated.
func (w *Writer) File() *File {
	f := &File{StringTable: make([]string, 0, len(w.strings)), Data: make([]Library, 0, len(w.order))}
	f.StringTable = append(f.StringTable, unknown)
	for s := range w.strings {
		if s != unknown {
			f.StringTable = append(f.StringTable, s)
		}
	}
	sort.Strings(f.StringTable[1:])
	for _, key := range w.order {
		lib := *w.libs[key]
		addrs := append([]KnownAddress(nil), lib.KnownAddresses...)
		sort.SliceStable(addrs, func(i, j int) bool { return addrs[i].RVA < addrs[j].RVA })
		dedup := addrs[:0]
		for _, a := range addrs {
			if len(dedup) > 0 && dedup[len(dedup)-1].RVA == a.RVA {
				continue
			}
			dedup = append(dedup, a)
		}
		lib.KnownAddresses = dedup
		f.Data = append(f.Data, lib)
	}
	return f
}

// Encode writes the document to out.
func (w *Writer) Encode(out io.Writer) error {
	return json.NewEncoder(out).Encode(w.File())
}
