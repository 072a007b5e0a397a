// Package bundler resolves a virtual module graph (entry, guest runtime,
// caller source) into a single ES module with esbuild.
//
// Resolution is driven by an ordered list of Rules. Imports claimed as
// external stay as bare imports in the output; "npm:" ones are recorded so
// the assembler can bind them in an import map.
//
// The Service is shared by every session: it initialises once on first use
// (concurrent first callers wait for the same initialisation) and runs
// builds on a bounded pool of worker goroutines.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/evanw/esbuild/pkg/api"
	"golang.org/x/sync/singleflight"
)

// ExternalPrefix marks a bare package reference as hosted outside the bundle.
const ExternalPrefix = "npm:"

// Namespace is the esbuild namespace of registered modules.
const Namespace = "app"

// Graph is the module graph to bundle: path → source text.
type Graph struct {
	Entry   string
	Modules map[string]string
}

// Bundle is a successful build: one ES module plus the distinct external
// package names discovered while resolving, sorted.
type Bundle struct {
	Code      string
	Externals []string
}

// BuildError carries every message esbuild reported for a failed build.
type BuildError struct {
	Messages []api.Message
}

func (e *BuildError) Error() string {
	if len(e.Messages) == 0 {
		return "bundler: build failed"
	}
	lines := api.FormatMessages(e.Messages, api.FormatMessagesOptions{Kind: api.ErrorMessage})
	return strings.TrimSpace(strings.Join(lines, ""))
}

// ErrNotReady is returned when initialisation failed. The next call retries.
var ErrNotReady = errors.New("bundler: not initialised")

// Config configures a Service.
type Config struct {
	// Workers bounds concurrent builds. Default: 2.
	Workers int

	// Framework lists package names kept external for the import map.
	// Default: react, react-dom.
	Framework []string

	// Rules overrides DefaultRules. It receives the graph of each build.
	Rules func(g Graph) []Rule

	Logger *slog.Logger

	// probe replaces the toolchain self-check (tests).
	probe func() error
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if len(c.Framework) == 0 {
		c.Framework = []string{"react", "react-dom"}
	}
	if c.Rules == nil {
		fw := c.Framework
		c.Rules = func(g Graph) []Rule { return DefaultRules(g, fw) }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.probe == nil {
		c.probe = probeToolchain
	}
}

// Service is the shared compiler service.
type Service struct {
	cfg Config

	mu    sync.Mutex
	ready bool
	slots chan struct{}
	once  singleflight.Group

	inits atomic.Int64
}

// New creates a Service. Nothing is initialised until the first Bundle.
func New(cfg Config) *Service {
	cfg.defaults()
	return &Service{cfg: cfg}
}

// Init initialises the service if needed. Concurrent callers share one
// initialisation; a failed one is retried by the next caller.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready {
		return nil
	}

	ch := s.once.DoChan("init", func() (any, error) {
		s.mu.Lock()
		if s.ready {
			s.mu.Unlock()
			return nil, nil
		}
		s.mu.Unlock()

		if err := s.cfg.probe(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
		}

		s.mu.Lock()
		s.slots = make(chan struct{}, s.cfg.Workers)
		s.ready = true
		s.mu.Unlock()
		s.inits.Add(1)
		s.cfg.Logger.Info("bundler: initialised", "workers", s.cfg.Workers)
		return nil, nil
	})

	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bundle builds g on a worker. If ctx ends first the wait is abandoned and
// ctx.Err returned; the build itself runs to completion and is discarded.
func (s *Service) Bundle(ctx context.Context, g Graph) (*Bundle, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if _, ok := g.Modules[g.Entry]; !ok {
		return nil, fmt.Errorf("bundler: entry %q not in graph", g.Entry)
	}

	type result struct {
		b   *Bundle
		err error
	}
	done := make(chan result, 1)

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	go func() {
		defer func() { <-s.slots }()
		b, err := s.build(g)
		done <- result{b, err}
	}()

	select {
	case r := <-done:
		return r.b, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) build(g Graph) (*Bundle, error) {
	ext := newExternals()
	res := api.Build(api.BuildOptions{
		EntryPoints: []string{g.Entry},
		Bundle:      true,
		Write:       false,
		Format:      api.FormatESModule,
		Platform:    api.PlatformBrowser,
		Target:      api.ES2020,
		JSX:         api.JSXAutomatic,
		LogLevel:    api.LogLevelSilent,
		Define:      map[string]string{"global": "window"},
		Plugins:     []api.Plugin{s.graphPlugin(g, ext)},
	})
	if len(res.Errors) > 0 {
		err := &BuildError{Messages: res.Errors}
		s.cfg.Logger.Debug("bundler: build failed", "errors", len(res.Errors))
		return nil, err
	}
	if len(res.OutputFiles) == 0 {
		return nil, errors.New("bundler: build produced no output")
	}
	return &Bundle{
		Code:      string(res.OutputFiles[0].Contents),
		Externals: ext.sorted(),
	}, nil
}

// graphPlugin resolves every import through the rule list and loads
// registered modules from memory.
func (s *Service) graphPlugin(g Graph, ext *externals) api.Plugin {
	rules := s.cfg.Rules(g)
	return api.Plugin{
		Name: "miniapp-graph",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `.*`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				importer := args.Importer
				if args.Kind == api.ResolveEntryPoint {
					importer = ""
				}
				res, ok := resolve(rules, Request{Specifier: args.Path, Importer: importer})
				if !ok {
					return api.OnResolveResult{}, fmt.Errorf("module not provided: %s", args.Path)
				}
				if res.External {
					if res.Package != "" {
						ext.add(res.Package)
					}
					return api.OnResolveResult{Path: res.Path, External: true}, nil
				}
				return api.OnResolveResult{Path: res.Path, Namespace: Namespace}, nil
			})

			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: Namespace}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				src, ok := g.Modules[args.Path]
				if !ok {
					return api.OnLoadResult{}, fmt.Errorf("module not provided: %s", args.Path)
				}
				return api.OnLoadResult{Contents: &src, Loader: loaderFor(args.Path)}, nil
			})
		},
	}
}

func loaderFor(p string) api.Loader {
	switch {
	case strings.HasSuffix(p, ".json"):
		return api.LoaderJSON
	case strings.HasSuffix(p, ".css"):
		return api.LoaderCSS
	}
	return api.LoaderTSX
}

func probeToolchain() error {
	res := api.Transform("export const ok: boolean = true;", api.TransformOptions{Loader: api.LoaderTSX})
	if len(res.Errors) > 0 {
		return &BuildError{Messages: res.Errors}
	}
	return nil
}

// Initialisations returns how many times the service actually initialised.
func (s *Service) Initialisations() int64 { return s.inits.Load() }

// externals is a concurrent set; esbuild runs resolve callbacks in parallel.
type externals struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func newExternals() *externals { return &externals{set: make(map[string]struct{})} }

func (e *externals) add(pkg string) {
	e.mu.Lock()
	e.set[pkg] = struct{}{}
	e.mu.Unlock()
}

func (e *externals) sorted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.set))
	for p := range e.set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
