package repository

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/symbolicator/pkg/util"
)

const (
	statusSuccess = "success"

	statusErrorPrefix = "error:"

	statusErrorNotFound     = statusErrorPrefix + "not_found"
	statusErrorUnauthorized = statusErrorPrefix + "unauthorized"
	statusErrorRateLimited  = statusErrorPrefix + "rate_limited"
	statusErrorClientError  = statusErrorPrefix + "client_error"
	statusErrorServerError  = statusErrorPrefix + "server_error"
	statusErrorHTTPOther    = statusErrorPrefix + "http_other"

	statusErrorCanceled  = statusErrorPrefix + "canceled"
	statusErrorTimeout   = statusErrorPrefix + "timeout"
	statusErrorInvalidID = statusErrorPrefix + "invalid_id"
	statusErrorNetwork   = statusErrorPrefix + "network"
	statusErrorResource  = statusErrorPrefix + "resource"
)

type metrics struct {
	fetchDuration   *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	fileSize        prometheus.Histogram
	cacheOperations *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symbolicator_repository_fetch_duration_seconds",
			Help:    "Time spent fetching a module, including cache lookups and retries, by status",
			Buckets: []float64{.01, .1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symbolicator_repository_request_duration_seconds",
			Help:    "Time spent performing single repository HTTP requests by endpoint kind and status",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"kind", "status"}),
		fileSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "symbolicator_repository_file_size_bytes",
			Help: "Size of debug files fetched from repositories",
			// 1KB to 4GB
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
		}),
		cacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_repository_cache_operations_total",
			Help: "Total number of on-disk cache operations by operation and status",
		}, []string{"operation", "status"}),
	}
	m.fetchDuration = util.RegisterOrGet(reg, m.fetchDuration)
	m.requestDuration = util.RegisterOrGet(reg, m.requestDuration)
	m.fileSize = util.RegisterOrGet(reg, m.fileSize)
	m.cacheOperations = util.RegisterOrGet(reg, m.cacheOperations)
	return m
}

// categorizeHTTPStatusCode maps HTTP status codes to metric status strings.
func categorizeHTTPStatusCode(statusCode int) string {
	switch {
	case statusCode == http.StatusNotFound:
		return statusErrorNotFound
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return statusErrorUnauthorized
	case statusCode == http.StatusTooManyRequests:
		return statusErrorRateLimited
	case statusCode >= 400 && statusCode < 500:
		return statusErrorClientError
	case statusCode >= 500:
		return statusErrorServerError
	default:
		return statusErrorHTTPOther
	}
}

func statusOf(err error) string {
	var inv invalidIdentityError
	switch {
	case err == nil:
		return statusSuccess
	case errors.Is(err, context.Canceled):
		return statusErrorCanceled
	case IsResourceError(err):
		return statusErrorResource
	case errors.As(err, &inv):
		return statusErrorInvalidID
	}
	if code, ok := isHTTPStatusError(err); ok {
		return categorizeHTTPStatusCode(code)
	}
	kind := classify(err)
	var fe *FetchError
	if errors.As(err, &fe) {
		kind = fe.Kind
	}
	switch kind {
	case NotFound:
		return statusErrorNotFound
	case Timeout:
		return statusErrorTimeout
	case ServerError:
		return statusErrorServerError
	default:
		return statusErrorNetwork
	}
}
