package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/symbolicator/pkg/util"
)

const (
	outcomeReady         = "ready"
	outcomeParseError    = "parse_error"
	outcomeFetchError    = "fetch_error"
	outcomeResourceError = "resource_error"
)

type metrics struct {
	loads          *prometheus.HistogramVec
	parses         prometheus.Counter
	refinedSymbols prometheus.Counter
	modules        prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, r *Registry) *metrics {
	m := &metrics{
		loads: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symbolicator_registry_load_duration_seconds",
			Help:    "Time spent loading a module by source and outcome",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30, 120},
		}, []string{"source", "outcome"}),
		parses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symbolicator_registry_parses_total",
			Help: "Total number of debug containers parsed",
		}),
		refinedSymbols: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symbolicator_registry_refined_symbols_total",
			Help: "Total number of symbol ends tightened by instruction decoding",
		}),
		modules: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "symbolicator_registry_modules",
			Help: "Number of modules known to the registry, including failed ones",
		}, func() float64 {
			return float64(r.size())
		}),
	}
	m.loads = util.RegisterOrGet(reg, m.loads)
	m.parses = util.RegisterOrGet(reg, m.parses)
	m.refinedSymbols = util.RegisterOrGet(reg, m.refinedSymbols)
	m.modules = util.RegisterOrGet(reg, m.modules)
	return m
}
