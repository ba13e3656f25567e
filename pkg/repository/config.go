package repository

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/flagext"
)

type Config struct {
	Endpoints      flagext.StringSliceCSV `yaml:"endpoints"`
	CacheDir       string                 `yaml:"cache_dir"`
	MaxConcurrency int                    `yaml:"max_concurrency" category:"advanced"`
	RequestTimeout time.Duration          `yaml:"request_timeout" category:"advanced"`
	Backoff        backoff.Config         `yaml:"backoff" category:"advanced"`
	UserAgent      string                 `yaml:"user_agent" category:"advanced"`

	BreakerFailures    int           `yaml:"breaker_failures" category:"advanced"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout" category:"advanced"`

	// HTTPClient overrides the client built from RequestTimeout.
	HTTPClient *http.Client `yaml:"-"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Var(&cfg.Endpoints, "repository.endpoints", "Comma-separated list of symbol repositories, tried in order. Each is [kind+]URL with kind one of debuginfod (default), symsrv or breakpad.")
	f.StringVar(&cfg.CacheDir, "repository.cache-dir", "", "Directory fetched debug files are cached in. Empty disables the on-disk cache.")
	f.IntVar(&cfg.MaxConcurrency, "repository.max-concurrency", 10, "Maximum number of modules fetched concurrently.")
	f.DurationVar(&cfg.RequestTimeout, "repository.request-timeout", 120*time.Second, "Timeout of a single repository request.")
	f.DurationVar(&cfg.Backoff.MinBackoff, "repository.backoff-min-period", time.Second, "Minimum delay between retries of a failed request.")
	f.DurationVar(&cfg.Backoff.MaxBackoff, "repository.backoff-max-period", 10*time.Second, "Maximum delay between retries of a failed request.")
	f.IntVar(&cfg.Backoff.MaxRetries, "repository.backoff-retries", 3, "Number of attempts per endpoint.")
	f.StringVar(&cfg.UserAgent, "repository.user-agent", "symbolicator", "User-Agent sent to repositories.")
	f.IntVar(&cfg.BreakerFailures, "repository.breaker-failures", 5, "Consecutive failed fetches after which an endpoint is skipped for repository.breaker-open-timeout. 0 disables the circuit breaker.")
	f.DurationVar(&cfg.BreakerOpenTimeout, "repository.breaker-open-timeout", 30*time.Second, "Time an endpoint is skipped once its circuit breaker opens.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxConcurrency < 1 {
		return errors.New("invalid repository.max-concurrency value, must be positive")
	}
	if cfg.Backoff.MaxRetries < 1 {
		return errors.New("invalid repository.backoff-retries value, must be positive")
	}
	if cfg.BreakerFailures < 0 {
		return errors.New("invalid repository.breaker-failures value, must not be negative")
	}
	for _, e := range cfg.Endpoints {
		if _, err := ParseEndpoint(e); err != nil {
			return fmt.Errorf("invalid repository.endpoints value: %w", err)
		}
	}
	return nil
}

func (cfg *Config) endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		// Validate has rejected malformed entries.
		if ep, err := ParseEndpoint(e); err == nil {
			out = append(out, ep)
		}
	}
	return out
}
