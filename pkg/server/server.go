// Package server exposes the symbolicate API over HTTP.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/grafana/symbolicator/pkg/api/v1"
	"github.com/grafana/symbolicator/pkg/util"
)

// Symbolicator answers symbolicate requests.
type Symbolicator interface {
	Symbolicate(ctx context.Context, req *v1.Request) (*v1.Response, error)
}

type Config struct {
	HTTPListenAddress       string        `yaml:"http_listen_address"`
	RequestTimeout          time.Duration `yaml:"request_timeout"`
	MaxRequestBytes         int64         `yaml:"max_request_bytes" category:"advanced"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddress, "server.http-listen-address", ":8080", "HTTP server listen address.")
	f.DurationVar(&cfg.RequestTimeout, "server.request-timeout", 5*time.Minute, "Maximum time spent on one symbolicate request. 0 means no limit.")
	f.Int64Var(&cfg.MaxRequestBytes, "server.max-request-bytes", 16<<20, "Maximum size of a symbolicate request body.")
	f.DurationVar(&cfg.GracefulShutdownTimeout, "server.graceful-shutdown-timeout", 30*time.Second, "Time to wait for in-flight requests on shutdown.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxRequestBytes <= 0 {
		return fmt.Errorf("invalid server.max-request-bytes value, must be positive")
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("invalid server.request-timeout value, must not be negative")
	}
	return nil
}

type Server struct {
	services.Service

	cfg      Config
	logger   log.Logger
	symbols  Symbolicator
	gatherer prometheus.Gatherer
	handler  http.Handler

	listener net.Listener
	srv      *http.Server
}

// New creates the server. gatherer may be nil, in which case no metrics
// endpoint is registered.
func New(logger log.Logger, cfg Config, symbols Symbolicator, gatherer prometheus.Gatherer) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		logger:   log.With(logger, "component", "server"),
		symbols:  symbols,
		gatherer: gatherer,
	}
	s.handler = s.router()
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/symbolicate", s.symbolicate).Methods(http.MethodPost)
	r.HandleFunc("/ready", s.ready).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.Use(requestIDMiddleware, util.RecoveryHTTPMiddleware(s.logger))
	return r
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the address the server listens on once it is running.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) starting(context.Context) error {
	l, err := net.Listen("tcp", s.cfg.HTTPListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.HTTPListenAddress, err)
	}
	s.listener = l
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	level.Info(s.logger).Log("msg", "server listening", "addr", l.Addr())
	return nil
}

func (s *Server) running(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.srv.Serve(s.listener)
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) stopping(_ error) error {
	if s.srv == nil {
		return nil
	}
	ctx := context.Background()
	if s.cfg.GracefulShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.GracefulShutdownTimeout)
		defer cancel()
	}
	return s.srv.Shutdown(ctx)
}
