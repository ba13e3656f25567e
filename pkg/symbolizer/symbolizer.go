package symbolizer

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	v1 "github.com/grafana/symbolicator/pkg/api/v1"
	"github.com/grafana/symbolicator/pkg/debuginfo"
	"github.com/grafana/symbolicator/pkg/repository"
	"github.com/grafana/symbolicator/pkg/resolver"
)

// Registry hands out the parsed container of a module.
type Registry interface {
	Resolve(ctx context.Context, id debuginfo.Identity) (*debuginfo.Container, error)
}

type Config struct {
	MaxConcurrency int `yaml:"max_concurrency" category:"advanced"`
	FrameCacheSize int `yaml:"frame_cache_size"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.MaxConcurrency, "symbolizer.max-concurrency", 16, "Maximum number of modules loaded concurrently for one request.")
	f.IntVar(&cfg.FrameCacheSize, "symbolizer.frame-cache-size", 100000, "Number of resolved addresses kept in memory. 0 disables the cache.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxConcurrency < 1 {
		return fmt.Errorf("invalid symbolizer.max-concurrency value, must be positive")
	}
	if cfg.FrameCacheSize < 0 {
		return fmt.Errorf("invalid symbolizer.frame-cache-size value, must not be negative")
	}
	return nil
}

type frameKey struct {
	module string
	addr   uint64
}

type Symbolizer struct {
	logger   log.Logger
	cfg      Config
	registry Registry
	frames   *lru.Cache[frameKey, []debuginfo.Frame]
	metrics  *metrics
}

func New(logger log.Logger, cfg Config, registry Registry, reg prometheus.Registerer) (*Symbolizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Symbolizer{
		logger:   log.With(logger, "component", "symbolizer"),
		cfg:      cfg,
		registry: registry,
		metrics:  newMetrics(reg),
	}
	if cfg.FrameCacheSize > 0 {
		frames, err := lru.New[frameKey, []debuginfo.Frame](cfg.FrameCacheSize)
		if err != nil {
			return nil, err
		}
		s.frames = frames
	}
	return s, nil
}

// Symbolicate resolves every address of the request. The response has the
// shape of the request regardless of what could be resolved. Only malformed
// requests, resource failures and the caller giving up fail the call.
func (s *Symbolizer) Symbolicate(ctx context.Context, req *v1.Request) (*v1.Response, error) {
	start := time.Now()
	status := statusSuccess
	defer func() {
		s.metrics.requestDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	if err := req.Validate(); err != nil {
		status = statusErrorInvalid
		return nil, err
	}

	ids := make([]debuginfo.Identity, len(req.Jobs))
	for i, job := range req.Jobs {
		ids[i] = s.identity(job)
	}
	containers, err := s.loadModules(ctx, ids)
	if err != nil {
		status = statusOf(err)
		return nil, err
	}

	resp := &v1.Response{Jobs: make([]v1.JobResult, len(req.Jobs))}
	for i, job := range req.Jobs {
		resp.Jobs[i] = s.symbolicateJob(containers[ids[i].Key()], job)
	}
	return resp, nil
}

func (s *Symbolizer) identity(job v1.Job) debuginfo.Identity {
	id, err := debuginfo.NewIdentity(job.ModuleIdentity)
	if err != nil {
		// Left with an empty ID the module stays unresolved.
		level.Debug(s.logger).Log("msg", "invalid module identity", "err", err)
		return debuginfo.Identity{}
	}
	id.DebugName = job.DebugName
	id.Path = job.Path
	if job.LoadBase != nil {
		id.LoadBase = *job.LoadBase
	}
	return id
}

// loadModules resolves each distinct module once. Modules that cannot be
// loaded are absent from the result.
func (s *Symbolizer) loadModules(ctx context.Context, ids []debuginfo.Identity) (map[string]*debuginfo.Container, error) {
	distinct := lo.UniqBy(lo.Filter(ids, func(id debuginfo.Identity, _ int) bool {
		return id.ID != ""
	}), debuginfo.Identity.Key)

	loaded := make([]*debuginfo.Container, len(distinct))
	var (
		mu   sync.Mutex
		merr *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, id := range distinct {
		g.Go(func() error {
			c, err := s.registry.Resolve(gctx, id)
			switch {
			case err == nil:
				loaded[i] = c
				return nil
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return err
			case repository.IsResourceError(err):
				// Every failing module is reported, so the siblings keep
				// loading.
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
				return nil
			default:
				s.metrics.unresolvedModules.Inc()
				level.Debug(s.logger).Log("msg", "module unresolved", "module", id, "err", err)
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}

	out := make(map[string]*debuginfo.Container, len(distinct))
	for i, id := range distinct {
		if loaded[i] != nil {
			out[id.Key()] = loaded[i]
		}
	}
	return out, nil
}

func (s *Symbolizer) symbolicateJob(c *debuginfo.Container, job v1.Job) v1.JobResult {
	res := v1.JobResult{Frames: make([][]v1.Frame, len(job.Addresses))}
	for i, addr := range job.Addresses {
		res.Frames[i] = s.symbolicateAddress(c, job.LoadBase, addr)
	}
	return res
}

func (s *Symbolizer) symbolicateAddress(c *debuginfo.Container, loadBase *uint64, addr uint64) []v1.Frame {
	if c == nil {
		s.metrics.addresses.WithLabelValues(outcomeUnresolved).Inc()
		return bare(addr)
	}
	rel := addr
	if loadBase != nil {
		if addr < *loadBase {
			s.metrics.addresses.WithLabelValues(outcomeUnresolved).Inc()
			return bare(addr)
		}
		rel = addr - *loadBase
	}

	frames := s.lookup(c, rel)
	if len(frames) == 1 && !frames[0].Resolved() && frames[0].File == "" {
		s.metrics.addresses.WithLabelValues(outcomeUnresolved).Inc()
		return bare(addr)
	}
	s.metrics.addresses.WithLabelValues(outcomeResolved).Inc()
	out := make([]v1.Frame, len(frames))
	for i, f := range frames {
		out[i] = v1.Frame{Symbol: f.Symbol, File: f.File, Line: f.Line}
	}
	return out
}

// lookup resolves a module-relative address. Cached stacks are shared and
// must not be modified.
func (s *Symbolizer) lookup(c *debuginfo.Container, rel uint64) []debuginfo.Frame {
	if s.frames == nil {
		return resolver.Resolve(c, rel)
	}
	key := frameKey{module: c.Identity().Key(), addr: rel}
	if frames, ok := s.frames.Get(key); ok {
		s.metrics.frameCache.WithLabelValues(cacheHit).Inc()
		return frames
	}
	s.metrics.frameCache.WithLabelValues(cacheMiss).Inc()
	frames := resolver.Resolve(c, rel)
	s.frames.Add(key, frames)
	return frames
}

// bare is the stack of an unresolved address. It carries the address as
// submitted, before any load base is subtracted.
func bare(addr uint64) []v1.Frame {
	return []v1.Frame{{Address: &addr}}
}
