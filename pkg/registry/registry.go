// Package registry owns the parsed containers of every module seen by the
// process. Each identity is loaded at most once; concurrent requests for an
// identity share the load, and failures are remembered.
package registry

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/grafana/symbolicator/pkg/debuginfo"
	"github.com/grafana/symbolicator/pkg/disasm"
	"github.com/grafana/symbolicator/pkg/format"
	"github.com/grafana/symbolicator/pkg/precog"
	"github.com/grafana/symbolicator/pkg/repository"
	"github.com/grafana/symbolicator/pkg/util"
)

// Fetcher retrieves module bytes from a remote source.
type Fetcher interface {
	Fetch(ctx context.Context, id debuginfo.Identity) ([]byte, error)
}

type State int32

const (
	Unloaded State = iota
	Fetching
	Parsing
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Fetching:
		return "fetching"
	case Parsing:
		return "parsing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	sourceHint       = "hint"
	sourcePrecog     = "precog"
	sourceSearchPath = "search_path"
	sourceRepository = "repository"
)

var errNoRepository = errors.New("no repository configured")

type entry struct {
	state atomic.Int32
	// done is closed once container and err are final.
	done      chan struct{}
	container *debuginfo.Container
	err       error
}

// Stats counts the work done by the registry.
type Stats struct {
	Parses  int64
	Fetches int64
}

type Registry struct {
	cfg     Config
	logger  log.Logger
	fetcher Fetcher
	metrics *metrics
	parse   func([]byte) (*debuginfo.Container, error)

	precog map[string]*debuginfo.Container

	mu      sync.Mutex
	entries map[string]*entry

	parses  atomic.Int64
	fetches atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a registry. fetcher may be nil when no repository is
// configured.
func New(logger log.Logger, cfg Config, fetcher Fetcher, reg prometheus.Registerer) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:     cfg,
		logger:  log.With(logger, "component", "registry"),
		fetcher: fetcher,
		precog:  make(map[string]*debuginfo.Container),
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.parse = func(data []byte) (*debuginfo.Container, error) {
		return format.ParseWithOptions(data, format.Options{Arch: cfg.PreferredArch})
	}
	r.metrics = newMetrics(reg, r)

	for _, file := range cfg.PrecogFiles {
		cs, err := precog.LoadFile(file)
		if err != nil {
			cancel()
			return nil, err
		}
		r.AddContainers(cs...)
		level.Info(r.logger).Log("msg", "loaded presymbolication file", "file", file, "modules", len(cs))
	}
	return r, nil
}

// AddContainers registers prebuilt containers as a local source.
func (r *Registry) AddContainers(cs ...*debuginfo.Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cs {
		r.precog[c.Identity().Key()] = c
	}
}

// Resolve returns the container of the module, loading it on first use. The
// load is not tied to ctx: a caller giving up does not abort it for others.
func (r *Registry) Resolve(ctx context.Context, id debuginfo.Identity) (*debuginfo.Container, error) {
	e := r.entry(id)
	select {
	case <-e.done:
		return e.container, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State reports the load state of the module.
func (r *Registry) State(id debuginfo.Identity) State {
	r.mu.Lock()
	e, ok := r.entries[id.Key()]
	r.mu.Unlock()
	if !ok {
		return Unloaded
	}
	return State(e.state.Load())
}

func (r *Registry) Stats() Stats {
	return Stats{Parses: r.parses.Load(), Fetches: r.fetches.Load()}
}

// Close aborts loads in flight and waits for them to finish.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) entry(id debuginfo.Identity) *entry {
	key := id.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e
	}
	e := &entry{done: make(chan struct{})}
	r.entries[key] = e
	r.wg.Add(1)
	go r.load(key, id, e)
	return e
}

func (r *Registry) load(key string, id debuginfo.Identity, e *entry) {
	defer r.wg.Done()
	start := time.Now()

	c, source, err := r.loadContainer(id, e)
	outcome := outcomeReady
	switch {
	case err == nil:
		e.container = r.finalize(id, c)
		e.state.Store(int32(Ready))
		level.Debug(r.logger).Log("msg", "module loaded", "module", id, "source", source, "format", c.Format(), "symbols", len(c.Symbols()))
		if n := c.SkippedRecords(); n > 0 {
			level.Debug(r.logger).Log("msg", "dropped malformed records", "module", id, "source", source, "records", n)
		}
	case repository.IsResourceError(err) || r.ctx.Err() != nil:
		// Environment failures are reported to the callers waiting now and
		// retried by the next request.
		outcome = outcomeResourceError
		e.err = err
		e.state.Store(int32(Failed))
		r.forget(key, e)
		level.Error(r.logger).Log("msg", "failed to load module", "module", id, "err", err)
	default:
		outcome = outcomeFetchError
		if debuginfo.IsParseError(err) {
			outcome = outcomeParseError
		}
		e.err = err
		e.state.Store(int32(Failed))
		level.Warn(r.logger).Log("msg", "module unavailable", "module", id, "source", source, "err", err)
	}
	r.metrics.loads.WithLabelValues(source, outcome).Observe(time.Since(start).Seconds())
	close(e.done)
}

func (r *Registry) forget(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] == e {
		delete(r.entries, key)
	}
}

// loadContainer tries the local sources in order of precedence before
// falling back to the repository.
func (r *Registry) loadContainer(id debuginfo.Identity, e *entry) (*debuginfo.Container, string, error) {
	if id.Path != "" {
		if c, ok := r.loadLocal(id, e, id.Path); ok {
			return c, sourceHint, nil
		}
	}

	r.mu.Lock()
	c, ok := r.precog[id.Key()]
	r.mu.Unlock()
	if ok {
		return c, sourcePrecog, nil
	}

	for _, p := range r.candidates(id) {
		if c, ok := r.loadLocal(id, e, p); ok {
			return c, sourceSearchPath, nil
		}
	}

	if r.fetcher == nil {
		return nil, sourceRepository, &repository.FetchError{Kind: repository.NotFound, Identity: id, Err: errNoRepository}
	}
	e.state.Store(int32(Fetching))
	r.fetches.Inc()
	data, err := r.fetcher.Fetch(r.ctx, id)
	if err != nil {
		return nil, sourceRepository, err
	}
	e.state.Store(int32(Parsing))
	c, err = r.parseBytes(data)
	if err != nil {
		return nil, sourceRepository, err
	}
	if !c.Identity().Equal(id) {
		level.Warn(r.logger).Log("msg", "repository returned a module with a different identity", "module", id, "got", c.Identity())
	}
	return c, sourceRepository, nil
}

// loadLocal parses the file at p and accepts it only if it carries the
// requested identity.
func (r *Registry) loadLocal(id debuginfo.Identity, e *entry, p string) (*debuginfo.Container, bool) {
	data, err := os.ReadFile(p)
	if err != nil {
		if !os.IsNotExist(err) {
			level.Debug(r.logger).Log("msg", "failed to read candidate", "path", p, "err", err)
		}
		return nil, false
	}
	e.state.Store(int32(Parsing))
	c, err := r.parseBytes(data)
	if err != nil {
		level.Debug(r.logger).Log("msg", "failed to parse candidate", "path", p, "err", err)
		return nil, false
	}
	if !c.Identity().Equal(id) {
		level.Debug(r.logger).Log("msg", "candidate identity mismatch", "path", p, "module", id, "got", c.Identity())
		return nil, false
	}
	return c, true
}

// parseBytes runs the format readers. A reader panicking on hostile input
// fails the module like any other malformed container.
func (r *Registry) parseBytes(data []byte) (c *debuginfo.Container, err error) {
	r.parses.Inc()
	r.metrics.parses.Inc()
	err = util.RecoverPanic(func() error {
		c, err = r.parse(data)
		return err
	})()
	var pe *util.PanicError
	if errors.As(err, &pe) {
		level.Error(r.logger).Log("msg", "reader panicked", "err", pe, "stack", string(pe.Stack))
		return nil, debuginfo.AsParseError(debuginfo.FormatUnknown, debuginfo.InternalInconsistency, err)
	}
	return c, err
}

func (r *Registry) finalize(id debuginfo.Identity, c *debuginfo.Container) *debuginfo.Container {
	if r.cfg.RefineBoundaries {
		var stats disasm.Stats
		c, stats = disasm.Refine(c)
		r.metrics.refinedSymbols.Add(float64(stats.Refined))
		if stats.Candidates > 0 {
			level.Debug(r.logger).Log("msg", "refined symbol boundaries", "module", id,
				"candidates", stats.Candidates, "refined", stats.Refined, "failed", stats.Failed)
		}
	}
	return c.StripSections()
}

// candidates lists the files under the search paths that may hold the
// module, newest first.
func (r *Registry) candidates(id debuginfo.Identity) []string {
	type candidate struct {
		path  string
		mtime time.Time
	}
	key := id.Key()
	name := debugBaseName(id.DebugName)
	var found []candidate
	for _, dir := range r.cfg.SearchPaths {
		paths := []string{filepath.Join(dir, key)}
		if name != "" {
			upper := strings.ToUpper(key)
			paths = append(paths,
				filepath.Join(dir, name, upper, name),
				filepath.Join(dir, name, upper, strings.TrimSuffix(name, ".pdb")+".sym"),
			)
		}
		if len(key) > 2 {
			paths = append(paths, filepath.Join(dir, ".build-id", key[:2], key[2:]+".debug"))
		}
		for _, p := range paths {
			fi, err := os.Stat(p)
			if err != nil || !fi.Mode().IsRegular() {
				continue
			}
			found = append(found, candidate{path: p, mtime: fi.ModTime()})
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].mtime.After(found[j].mtime) })
	out := make([]string, len(found))
	for i, c := range found {
		out[i] = c.path
	}
	return out
}

func debugBaseName(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" {
		return ""
	}
	p = path.Base(p)
	if p == "." || p == "/" || p == ".." {
		return ""
	}
	return p
}
