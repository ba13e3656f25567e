package main

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/grafana/symbolicator/pkg/registry"
	"github.com/grafana/symbolicator/pkg/repository"
	"github.com/grafana/symbolicator/pkg/server"
	"github.com/grafana/symbolicator/pkg/symbolizer"
)

// stack is the in-process symbolication engine shared by the commands.
type stack struct {
	registry   *registry.Registry
	symbolizer *symbolizer.Symbolizer
}

func newStack(c *Config, reg prometheus.Registerer) (*stack, error) {
	var fetcher registry.Fetcher
	if len(c.Repository.Endpoints) > 0 {
		client, err := repository.New(logger, c.Repository, reg)
		if err != nil {
			return nil, fmt.Errorf("creating repository client: %w", err)
		}
		fetcher = client
	}
	r, err := registry.New(logger, c.Registry, fetcher, reg)
	if err != nil {
		return nil, fmt.Errorf("creating registry: %w", err)
	}
	s, err := symbolizer.New(logger, c.Symbolizer, r, reg)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("creating symbolizer: %w", err)
	}
	return &stack{registry: r, symbolizer: s}, nil
}

func (s *stack) Close() {
	s.registry.Close()
}

func serve(ctx context.Context) error {
	c, err := config()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st, err := newStack(c, reg)
	if err != nil {
		return err
	}
	defer st.Close()

	srv, err := server.New(logger, c.Server, st.symbolizer, reg)
	if err != nil {
		return err
	}
	if err := services.StartAndAwaitRunning(ctx, srv); err != nil {
		return err
	}

	handler := signals.NewHandler(logger)
	go func() {
		handler.Loop()
		level.Info(logger).Log("msg", "received shutdown signal")
		srv.StopAsync()
	}()
	err = srv.AwaitTerminated(context.Background())
	handler.Stop()
	return err
}
