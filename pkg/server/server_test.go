package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/services"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	v1 "github.com/grafana/symbolicator/pkg/api/v1"
	"github.com/grafana/symbolicator/pkg/debuginfo"
	"github.com/grafana/symbolicator/pkg/registry"
	"github.com/grafana/symbolicator/pkg/repository"
	"github.com/grafana/symbolicator/pkg/symbolizer"
	"github.com/grafana/symbolicator/pkg/util"
)

type symbolicatorFunc func(context.Context, *v1.Request) (*v1.Response, error)

func (f symbolicatorFunc) Symbolicate(ctx context.Context, req *v1.Request) (*v1.Response, error) {
	return f(ctx, req)
}

func testConfig() Config {
	var cfg Config
	flagext.DefaultValues(&cfg)
	cfg.HTTPListenAddress = "127.0.0.1:0"
	return cfg
}

func newTestServer(t *testing.T, s Symbolicator) *httptest.Server {
	t.Helper()
	srv, err := New(log.NewNopLogger(), testConfig(), s, prometheus.NewRegistry())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/v1/symbolicate", strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSymbolicateEndToEnd(t *testing.T) {
	b := debuginfo.NewBuilder(debuginfo.FormatBreakpad, debuginfo.Identity{ID: "0123456789abcdef"})
	b.AddSymbol(0x1000, 0x20, "foo")
	b.AddSymbol(0x1020, 0x30, "bar")

	reg, err := registry.New(log.NewNopLogger(), registry.Config{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	reg.AddContainers(b.Build())
	sym, err := symbolizer.New(log.NewNopLogger(), symbolizer.Config{MaxConcurrency: 2}, reg, nil)
	require.NoError(t, err)

	ts := newTestServer(t, sym)
	resp := post(t, ts.URL, `{"jobs":[{"moduleIdentity":"0123456789ABCDEF","addresses":[4112,8192]},{"moduleIdentity":"ffffffffffffffff","addresses":[16]}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	got, err := v1.DecodeResponse(resp.Body)
	require.NoError(t, err)
	a := func(v uint64) *uint64 { return &v }
	require.Equal(t, &v1.Response{Jobs: []v1.JobResult{
		{Frames: [][]v1.Frame{{{Symbol: "foo"}}, {{Address: a(8192)}}}},
		{Frames: [][]v1.Frame{{{Address: a(16)}}}},
	}}, got)
}

func TestSymbolicateStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "malformed body", body: `{"jobs":`, want: http.StatusBadRequest},
		{name: "schema violation", body: `{"jobs":[{"moduleIdentity":"aabbccdd"}]}`, want: http.StatusBadRequest},
		{name: "resource error", body: `{"jobs":[]}`, err: &repository.ResourceError{Op: "create cache dir", Err: errors.New("permission denied")}, want: http.StatusInternalServerError},
		{name: "timeout", body: `{"jobs":[]}`, err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "ok", body: `{"jobs":[]}`, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, symbolicatorFunc(func(context.Context, *v1.Request) (*v1.Response, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return &v1.Response{Jobs: []v1.JobResult{}}, nil
			}))
			resp := post(t, ts.URL, tt.body, nil)
			require.Equal(t, tt.want, resp.StatusCode)
			if tt.want != http.StatusOK {
				var e v1.ErrorResponse
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
				require.Len(t, e.Errors, 1)
			}
		})
	}
}

func TestSymbolicateFlattensModuleErrors(t *testing.T) {
	ts := newTestServer(t, symbolicatorFunc(func(context.Context, *v1.Request) (*v1.Response, error) {
		var merr *multierror.Error
		merr = multierror.Append(merr,
			&repository.ResourceError{Op: "write cache", Err: errors.New("no space left on device")},
			&repository.ResourceError{Op: "create cache dir", Err: errors.New("permission denied")},
		)
		return nil, merr
	}))

	resp := post(t, ts.URL, `{"jobs":[]}`, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var e v1.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	require.Len(t, e.Errors, 2)
	require.Contains(t, e.Errors[0], "no space left on device")
	require.Contains(t, e.Errors[1], "permission denied")
}

func TestRequestID(t *testing.T) {
	var seen atomic.String
	ts := newTestServer(t, symbolicatorFunc(func(ctx context.Context, _ *v1.Request) (*v1.Response, error) {
		id, _ := util.RequestIDFromContext(ctx)
		seen.Store(id)
		return &v1.Response{Jobs: []v1.JobResult{}}, nil
	}))

	resp := post(t, ts.URL, `{"jobs":[]}`, http.Header{requestIDHeader: []string{"abc"}})
	require.Equal(t, "abc", resp.Header.Get(requestIDHeader))
	require.Equal(t, "abc", seen.Load())

	resp = post(t, ts.URL, `{"jobs":[]}`, nil)
	require.Len(t, resp.Header.Get(requestIDHeader), 36)
	require.Equal(t, resp.Header.Get(requestIDHeader), seen.Load())
}

func TestServiceLifecycle(t *testing.T) {
	srv, err := New(log.NewNopLogger(), testConfig(), symbolicatorFunc(func(context.Context, *v1.Request) (*v1.Response, error) {
		return &v1.Response{Jobs: []v1.JobResult{}}, nil
	}), prometheus.NewRegistry())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, services.StartAndAwaitRunning(ctx, srv))

	resp, err := http.Get("http://" + srv.Addr().String() + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + srv.Addr().String() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, services.StopAndAwaitTerminated(ctx, srv))
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())
	cfg.MaxRequestBytes = 0
	require.Error(t, cfg.Validate())
}
