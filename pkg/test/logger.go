package test

import (
	"strings"
	"testing"

	"github.com/go-kit/log"
)

type testingWriter struct {
	t testing.TB
}

func (w testingWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// NewTestingLogger returns a logger writing logfmt lines to the test log.
// Nothing may log through it once the test has completed.
func NewTestingLogger(t testing.TB) log.Logger {
	return log.NewLogfmtLogger(testingWriter{t: t})
}
