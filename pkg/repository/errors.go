package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/sony/gobreaker/v2"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

// FetchErrorKind classifies why a module could not be fetched. Higher kinds
// carry more information about the failure than lower ones.
type FetchErrorKind int

const (
	NotFound FetchErrorKind = iota + 1
	NetworkFailure
	Timeout
	ServerError
)

func (k FetchErrorKind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case NetworkFailure:
		return "network_failure"
	case Timeout:
		return "timeout"
	case ServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// FetchError is returned when no endpoint served a module. It is not fatal
// to a request: the module is reported as unresolved.
type FetchError struct {
	Kind     FetchErrorKind
	Identity debuginfo.Identity
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Identity, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError reports whether err is a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// ResourceError reports a local environment failure, such as an unwritable
// cache directory. It aborts the whole request.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// IsResourceError reports whether err is a ResourceError.
func IsResourceError(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}

type invalidIdentityError struct {
	id string
}

func (e invalidIdentityError) Error() string {
	return fmt.Sprintf("invalid module identity: %q", e.id)
}

type notFoundError struct {
	url string
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.url)
}

type httpStatusError struct {
	statusCode int
	body       string
}

func (e httpStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %d %s", e.statusCode, e.body)
}

func isHTTPStatusError(err error) (int, bool) {
	var httpErr httpStatusError
	if errors.As(err, &httpErr) {
		return httpErr.statusCode, true
	}
	return 0, false
}

func isNotFound(err error) bool {
	var nf notFoundError
	var inv invalidIdentityError
	return errors.As(err, &nf) || errors.As(err, &inv) || errors.Is(err, errNoDebugName) || errors.Is(err, errNoEndpoints)
}

// classify maps an endpoint error to a fetch error kind.
func classify(err error) FetchErrorKind {
	if isNotFound(err) {
		return NotFound
	}
	// The endpoint is skipped while its circuit breaker is open.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return NetworkFailure
	}
	if code, ok := isHTTPStatusError(err); ok {
		if code == http.StatusNotFound || code == http.StatusGone {
			return NotFound
		}
		return ServerError
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	return NetworkFailure
}

// moreInformative picks the error to report out of the failures of several
// endpoints. Any failure beats NotFound.
func moreInformative(a, b *FetchError) *FetchError {
	if a == nil {
		return b
	}
	if b == nil || a.Kind >= b.Kind {
		return a
	}
	return b
}
