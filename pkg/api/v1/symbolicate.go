// Package v1 is the versioned wire schema of the symbolicate API. Fields are
// only ever added to it; a missing optional field means the value is unknown.
package v1

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is a batch of symbolication jobs.
type Request struct {
	Jobs []Job `json:"jobs"`
}

// Job asks for the addresses of one module. Addresses are relative to the
// module unless LoadBase is set, in which case they are absolute and the load
// base is subtracted before lookup.
type Job struct {
	ModuleIdentity string   `json:"moduleIdentity"`
	Addresses      []uint64 `json:"addresses"`
	DebugName      string   `json:"debugName,omitempty"`
	Path           string   `json:"path,omitempty"`
	LoadBase       *uint64  `json:"loadBase,omitempty"`
}

// Response mirrors the request: one JobResult per job and one frame stack per
// address, in request order.
type Response struct {
	Jobs []JobResult `json:"jobs"`
}

type JobResult struct {
	// Frames holds, per requested address, the frame stack innermost first.
	Frames [][]Frame `json:"frames"`
}

// Frame is one entry of a frame stack. A frame carrying only Address is
// unresolved; a frame with Symbol but no File resolved without line info.
type Frame struct {
	Address *uint64 `json:"address,omitempty"`
	Symbol  string  `json:"symbol,omitempty"`
	File    string  `json:"file,omitempty"`
	Line    uint32  `json:"line,omitempty"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// ValidationError reports a request that does not follow the schema. Job is
// the index of the offending job, or -1 when the request as a whole is
// malformed.
type ValidationError struct {
	Job    int
	Reason string
	Err    error
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Error() string {
	if e.Job < 0 {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: jobs[%d]: %s", e.Job, e.Reason)
}

func (r *Request) Validate() error {
	if r.Jobs == nil {
		return &ValidationError{Job: -1, Reason: "missing jobs"}
	}
	for i, job := range r.Jobs {
		if job.ModuleIdentity == "" {
			return &ValidationError{Job: i, Reason: "missing moduleIdentity"}
		}
		if job.Addresses == nil {
			return &ValidationError{Job: i, Reason: "missing addresses"}
		}
	}
	return nil
}

// DecodeRequest reads and validates a request.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, &ValidationError{Job: -1, Reason: err.Error(), Err: err}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func EncodeResponse(w io.Writer, resp *Response) error {
	return json.NewEncoder(w).Encode(resp)
}

func DecodeResponse(r io.Reader) (*Response, error) {
	var resp Response
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func EncodeRequest(w io.Writer, req *Request) error {
	return json.NewEncoder(w).Encode(req)
}

func EncodeError(w io.Writer, resp *ErrorResponse) error {
	return json.NewEncoder(w).Encode(resp)
}
