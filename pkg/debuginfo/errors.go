package debuginfo

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why container bytes could not be parsed.
type ErrorKind int

const (
	Truncated ErrorKind = iota + 1
	BadMagic
	UnsupportedVersion
	InternalInconsistency
)

func (k ErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case BadMagic:
		return "bad_magic"
	case UnsupportedVersion:
		return "unsupported_version"
	case InternalInconsistency:
		return "internal_inconsistency"
	default:
		return "unknown"
	}
}

// ParseError is returned by format readers for malformed input.
type ParseError struct {
	Kind   ErrorKind
	Format Format
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s: %v", e.Format, e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Errorf builds a ParseError with a formatted cause.
func Errorf(f Format, kind ErrorKind, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Format: f, Err: fmt.Errorf(format, args...)}
}

// AsParseError wraps err into a ParseError of the given kind unless it
// already is one.
func AsParseError(f Format, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return err
	}
	return &ParseError{Kind: kind, Format: f, Err: err}
}

// IsParseError reports whether err is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
