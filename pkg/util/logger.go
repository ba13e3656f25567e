package util

import (
	"context"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type requestIDKey struct{}

// InjectRequestID returns a context carrying the request id.
func InjectRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// LoggerWithRequestID returns a Logger that has the request id in its details.
func LoggerWithRequestID(requestID string, l log.Logger) log.Logger {
	return log.With(l, "request_id", requestID)
}

// LoggerWithContext returns a Logger that has information about the current
// request in its details.
//
// e.g.
//
//	log = util.LoggerWithContext(ctx, log)
//	# level=warn request_id=0b1f... msg="module unavailable" err="not found"
//	level.Warn(log).Log("msg", "module unavailable", "err", err)
func LoggerWithContext(ctx context.Context, l log.Logger) log.Logger {
	if id, ok := RequestIDFromContext(ctx); ok {
		return LoggerWithRequestID(id, l)
	}
	return l
}

// NewLogger creates a leveled logger writing to w in the given format, which
// is either logfmt or json.
func NewLogger(w io.Writer, format, lvl string) (log.Logger, error) {
	var l log.Logger
	switch format {
	case "", "logfmt":
		l = log.NewLogfmtLogger(log.NewSyncWriter(w))
	case "json":
		l = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "", "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level %q", lvl)
	}
	l = level.NewFilter(l, opt)
	return log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}
