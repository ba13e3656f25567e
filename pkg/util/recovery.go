package util

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const maxStacksize = 8 * 1024

var panicTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "symbolicator",
	Name:      "panic_total",
	Help:      "The total number of panic triggered",
})

// PanicError is a recovered panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func panicError(p interface{}) *PanicError {
	stack := make([]byte, maxStacksize)
	stack = stack[:runtime.Stack(stack, false)]
	panicTotal.Inc()
	return &PanicError{Value: p, Stack: stack}
}

// RecoverPanic is a helper function to recover from panic and return an error.
func RecoverPanic(f func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = panicError(p)
			}
		}()
		return f()
	}
}

// RecoveryHTTPMiddleware answers 500 instead of dropping the connection when
// a handler panics.
func RecoveryHTTPMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					pe := panicError(p)
					// keep a multiline stack
					level.Error(LoggerWithContext(req.Context(), logger)).Log("msg", "panic while processing request", "err", pe, "stack", string(pe.Stack))
					http.Error(w, "error while processing request: "+pe.Error(), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, req)
		})
	}
}
