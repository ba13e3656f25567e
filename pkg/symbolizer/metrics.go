package symbolizer

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/symbolicator/pkg/repository"
	"github.com/grafana/symbolicator/pkg/util"
)

const (
	statusSuccess       = "success"
	statusErrorInvalid  = "error:invalid_request"
	statusErrorResource = "error:resource"
	statusErrorCanceled = "error:canceled"
	statusErrorOther    = "error:other"

	outcomeResolved   = "resolved"
	outcomeUnresolved = "unresolved"

	cacheHit  = "hit"
	cacheMiss = "miss"
)

type metrics struct {
	requestDuration   *prometheus.HistogramVec
	addresses         *prometheus.CounterVec
	unresolvedModules prometheus.Counter
	frameCache        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symbolicator_symbolicate_request_duration_seconds",
			Help:    "Time spent serving symbolicate requests",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 10, 30, 120},
		}, []string{"status"}),
		addresses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_symbolicate_addresses_total",
			Help: "Total number of addresses symbolicated by outcome",
		}, []string{"outcome"}),
		unresolvedModules: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symbolicator_symbolicate_unresolved_modules_total",
			Help: "Total number of modules that could not be loaded for a request",
		}),
		frameCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_frame_cache_requests_total",
			Help: "Frame cache lookups by result",
		}, []string{"result"}),
	}
	m.requestDuration = util.RegisterOrGet(reg, m.requestDuration)
	m.addresses = util.RegisterOrGet(reg, m.addresses)
	m.unresolvedModules = util.RegisterOrGet(reg, m.unresolvedModules)
	m.frameCache = util.RegisterOrGet(reg, m.frameCache)
	return m
}

func statusOf(err error) string {
	switch {
	case repository.IsResourceError(err):
		return statusErrorResource
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return statusErrorCanceled
	default:
		return statusErrorOther
	}
}
