// Package host is the miniapp service facade: it owns the shared compiler,
// execution runtime, synced store and AI provider, tracks mounted sessions,
// and exposes them over HTTP and MCP.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/hazyhaar/miniapp/aigen"
	"github.com/hazyhaar/miniapp/assembler"
	"github.com/hazyhaar/miniapp/bundler"
	"github.com/hazyhaar/miniapp/compiler"
	"github.com/hazyhaar/miniapp/kit"
	"github.com/hazyhaar/miniapp/protocol"
	"github.com/hazyhaar/miniapp/sandbox"
	"github.com/hazyhaar/miniapp/screenshot"
	"github.com/hazyhaar/miniapp/syncstore"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("host: session not found")
	// ErrClosed is returned once the host is shut down.
	ErrClosed = errors.New("host: closed")
)

// Option configures a Host.
type Option func(*Host)

// WithRuntime replaces the headless Chrome runtime.
func WithRuntime(rt sandbox.Runtime) Option {
	return func(h *Host) { h.runtime = rt }
}

// WithStore replaces the configured synced store.
func WithStore(s sandbox.Store) Option {
	return func(h *Host) { h.store = s }
}

// WithGenerator replaces the configured AI provider.
func WithGenerator(g aigen.Generator) Option {
	return func(h *Host) { h.generator = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.log = l }
}

// Host owns every mounted session.
type Host struct {
	cfg       *Config
	log       *slog.Logger
	runtime   sandbox.Runtime
	compiler  *compiler.Compiler
	bundler   *bundler.Service
	store     sandbox.Store
	generator aigen.Generator
	hub       *Hub
	closers   []io.Closer

	mu       sync.Mutex
	sessions map[string]*sandbox.Session
	closed   bool
}

// New builds a Host from cfg. Collaborators not supplied by options are
// created from the configuration: an SQLite or in-memory store, Gemini
// behind a circuit breaker when an API key is set, and headless Chrome.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Host, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	h := &Host{cfg: cfg, sessions: make(map[string]*sandbox.Session)}
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	h.hub = NewHub(h.log)

	fw := cfg.framework()
	h.bundler = bundler.New(bundler.Config{
		Workers:   cfg.Bundler.Workers,
		Framework: fw.Packages(),
		Logger:    h.log,
	})
	comp, err := compiler.New(compiler.Config{
		Bundler:   h.bundler,
		Assembler: assembler.Options{Framework: fw, StyleEngineURL: cfg.StyleEngineURL},
		CacheSize: cfg.Bundler.CacheSize,
		Logger:    h.log,
	})
	if err != nil {
		return nil, err
	}
	h.compiler = comp

	if h.store == nil {
		if cfg.Store.Path != "" {
			st, err := syncstore.OpenSQLite(cfg.Store.Path, syncstore.Options{
				Interval: cfg.Store.PollInterval,
				Logger:   h.log,
			})
			if err != nil {
				return nil, fmt.Errorf("host: %w", err)
			}
			h.store = st
			h.closers = append(h.closers, st)
		} else {
			h.store = syncstore.NewMemory()
		}
	}

	if h.generator == nil {
		if key := env(cfg.AI.APIKeyEnv, ""); key != "" {
			gem, err := aigen.NewGemini(ctx, aigen.GeminiConfig{APIKey: key, Model: cfg.AI.Model, Logger: h.log})
			if err != nil {
				h.Close()
				return nil, fmt.Errorf("host: %w", err)
			}
			h.generator = aigen.NewBreaker(gem, aigen.BreakerConfig{
				Name:        "gemini",
				MaxFailures: cfg.AI.MaxFailures,
				OpenTimeout: cfg.AI.OpenTimeout,
				Logger:      h.log,
			})
		} else {
			h.log.Info("host: AI generation disabled", "env", cfg.AI.APIKeyEnv)
		}
	}

	if h.runtime == nil {
		rt, err := sandbox.NewBrowserRuntime(sandbox.BrowserConfig{
			RemoteURL:        cfg.Browser.Remote,
			Bin:              cfg.Browser.Bin,
			MemoryLimit:      cfg.Browser.MemoryLimit,
			RecycleInterval:  cfg.Browser.RecycleInterval,
			ResourceBlocking: cfg.Browser.ResourceBlocking,
			Width:            cfg.Browser.Width,
			Height:           cfg.Browser.Height,
			Logger:           h.log,
		})
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("host: %w", err)
		}
		h.runtime = rt
		// Chrome goes before the store.
		h.closers = append([]io.Closer{rt}, h.closers...)
	}
	return h, nil
}

// Compile compiles appCode with the shared compiler.
func (h *Host) Compile(ctx context.Context, appCode string) (*assembler.Document, error) {
	return h.compiler.Compile(ctx, appCode)
}

// MountRequest creates a session.
type MountRequest struct {
	Source string `json:"source"`
	// Namespace shares synced state between sessions. Default: the session id.
	Namespace string         `json:"namespace,omitempty"`
	User      *protocol.User `json:"user,omitempty"`
}

// SessionInfo describes a mounted session.
type SessionInfo struct {
	ID        string         `json:"id"`
	Namespace string         `json:"namespace"`
	Status    sandbox.Status `json:"status"`
}

// Mount creates a session and starts compiling its source. The identity is
// the request's user, else the one attached to ctx, else the configured
// default.
func (h *Host) Mount(ctx context.Context, req MountRequest) (*sandbox.Session, error) {
	user := h.cfg.defaultUser()
	if u, ok := kit.GetUser(ctx); ok {
		user = u
	}
	if req.User != nil {
		user = *req.User
	}

	s, err := sandbox.NewSession(sandbox.Config{
		Namespace: req.Namespace,
		Runtime:   h.runtime,
		Compiler:  h.compiler,
		Store:     h.store,
		Generator: h.generator,
		Identity:  func(context.Context) protocol.User { return user },
		Width:     h.cfg.Browser.Width,
		Height:    h.cfg.Browser.Height,
		OnEvent:   h.hub.Publish,
		Logger:    h.log,
	})
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.Close()
		return nil, ErrClosed
	}
	h.sessions[s.ID()] = s
	h.mu.Unlock()

	if _, err := s.SetSource(req.Source); err != nil {
		h.Unmount(s.ID())
		return nil, err
	}
	h.log.Info("host: session mounted", "session", s.ID(), "namespace", s.Namespace(), "user", user.Name)
	return s, nil
}

// Update recompiles a session from new source.
func (h *Host) Update(id, source string) (uint64, error) {
	s, ok := h.Session(id)
	if !ok {
		return 0, ErrNotFound
	}
	return s.SetSource(source)
}

// Unmount tears a session down.
func (h *Host) Unmount(id string) error {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	err := s.Close()
	h.hub.CloseSession(id)
	h.log.Info("host: session unmounted", "session", id)
	return err
}

// Session looks a session up.
func (h *Host) Session(id string) (*sandbox.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Sessions lists mounted sessions by id.
func (h *Host) Sessions() []SessionInfo {
	h.mu.Lock()
	list := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, info(s))
	}
	h.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func info(s *sandbox.Session) SessionInfo {
	return SessionInfo{ID: s.ID(), Namespace: s.Namespace(), Status: s.Status()}
}

// State returns a namespace's synced state. Values that are not valid JSON
// read as null.
func (h *Host) State(ctx context.Context, namespace string) (map[string]json.RawMessage, error) {
	snap, err := h.store.Get(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("host: state: %w", err)
	}
	out := make(map[string]json.RawMessage, len(snap))
	for k, v := range snap {
		if json.Valid([]byte(v)) {
			out[k] = json.RawMessage(v)
		} else {
			out[k] = json.RawMessage("null")
		}
	}
	return out, nil
}

// SetState writes a value as an external writer; every session bound to
// namespace receives it.
func (h *Host) SetState(ctx context.Context, namespace, key, valueJSON string) error {
	if err := h.store.Set(ctx, namespace, key, valueJSON, "host/"+kit.GetTransport(ctx)); err != nil {
		return fmt.Errorf("host: set state: %w", err)
	}
	return nil
}

// ScreenshotRequest renders a mini-app once.
type ScreenshotRequest struct {
	Source string `json:"source"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Screenshot renders req.Source to PNG in a throwaway context.
func (h *Host) Screenshot(ctx context.Context, req ScreenshotRequest) ([]byte, error) {
	sc := h.cfg.Screenshot
	opts := screenshot.Options{
		Width:        sc.Width,
		Height:       sc.Height,
		LoadTimeout:  sc.LoadTimeout,
		ReadyTimeout: sc.ReadyTimeout,
		Settle:       sc.Settle,
		User:         h.cfg.defaultUser(),
	}
	if req.Width > 0 && req.Height > 0 {
		opts.Width, opts.Height = req.Width, req.Height
	}
	return screenshot.Capture(ctx, h.runtime, h.compiler, req.Source, opts)
}

// Events is the session event hub.
func (h *Host) Events() *Hub { return h.hub }

// Close unmounts every session and releases the runtime and store.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := h.sessions
	h.sessions = make(map[string]*sandbox.Session)
	h.mu.Unlock()

	for id, s := range sessions {
		s.Close()
		h.hub.CloseSession(id)
	}
	var errs []error
	for _, c := range h.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.log.Info("host: closed", "sessions", len(sessions))
	return errors.Join(errs...)
}
