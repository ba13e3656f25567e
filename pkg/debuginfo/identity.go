package debuginfo

import (
	"fmt"
	"strings"
)

const (
	minIdentityLength = 8
	maxIdentityLength = 128

	// uuidLength is the hex length of a Mach-O UUID or a PDB GUID.
	uuidLength = 32
)

// Identity is the content-derived key of a module. Two identities refer to
// the same debug container iff their IDs are equal; the remaining fields are
// hints used to locate the container.
type Identity struct {
	ID        string `json:"id" yaml:"id"`
	DebugName string `json:"debugName,omitempty" yaml:"debug_name"`
	Path      string `json:"path,omitempty" yaml:"path"`
	LoadBase  uint64 `json:"loadBase,omitempty" yaml:"load_base"`
	Size      uint64 `json:"size,omitempty" yaml:"size"`
}

type invalidIdentityError struct {
	raw    string
	reason string
}

func (e invalidIdentityError) Error() string {
	return fmt.Sprintf("invalid module identity %q: %s", e.raw, e.reason)
}

// IsInvalidIdentity reports whether err was produced by NormalizeID.
func IsInvalidIdentity(err error) bool {
	_, ok := err.(invalidIdentityError)
	return ok
}

// NormalizeID canonicalizes the textual forms a build signature arrives in:
// GNU build-ids, Mach-O UUIDs with dashes, PDB GUIDs in braces and breakpad
// debug ids (GUID followed by the age) all collapse to lower-case hex.
//
// Breakpad writes the id of a module without an age, such as a Mach-O
// image, as its UUID followed by a zero age. That form collapses to the
// bare UUID so that it names the same module as the image itself.
func NormalizeID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '-' || c == '{' || c == '}':
			continue
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
			sb.WriteByte(c)
		case c >= 'A' && c <= 'F':
			sb.WriteByte(c + ('a' - 'A'))
		default:
			return "", invalidIdentityError{raw: raw, reason: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	id := sb.String()
	if len(id) == uuidLength+1 && id[uuidLength] == '0' {
		id = id[:uuidLength]
	}
	if len(id) < minIdentityLength || len(id) > maxIdentityLength {
		return "", invalidIdentityError{raw: raw, reason: "unexpected length"}
	}
	return id, nil
}

// NewIdentity returns an Identity with a normalized ID.
func NewIdentity(raw string) (Identity, error) {
	id, err := NormalizeID(raw)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: id}, nil
}

// BreakpadID renders the identity as breakpad symbol stores key it: a bare
// UUID gets the zero age appended.
func (i Identity) BreakpadID() string {
	if len(i.ID) == uuidLength {
		return i.ID + "0"
	}
	return i.ID
}

// Key is the cache key of the identity.
func (i Identity) Key() string {
	return i.ID
}

// Equal compares identities by ID only.
func (i Identity) Equal(o Identity) bool {
	return i.ID == o.ID
}

func (i Identity) String() string {
	if i.DebugName == "" {
		return i.ID
	}
	return i.DebugName + "/" + i.ID
}
