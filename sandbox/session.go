package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hazyhaar/miniapp/aigen"
	"github.com/hazyhaar/miniapp/assembler"
	"github.com/hazyhaar/miniapp/idgen"
	"github.com/hazyhaar/miniapp/protocol"
)

// State is a session's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateCompiling State = "compiling"
	StateReady     State = "ready"
	StateError     State = "error"
)

// Status is a point-in-time view of a session.
type Status struct {
	State      State  `json:"state"`
	Generation uint64 `json:"generation"`
	// Error is the display text of Err.
	Error  string `json:"error,omitempty"`
	Digest string `json:"digest,omitempty"`
	Err    error  `json:"-"`
}

// EventType discriminates Event.
type EventType string

const (
	EventStatus     EventType = "status"
	EventMouseMove  EventType = "mouseMove"
	EventGuestError EventType = "guestError"
)

// Event is something an embedding UI may want to follow.
type Event struct {
	Type    EventType `json:"type"`
	Session string    `json:"session"`
	Status  *Status   `json:"status,omitempty"`
	X       float64   `json:"x,omitempty"`
	Y       float64   `json:"y,omitempty"`
	Message string    `json:"message,omitempty"`
}

// DefaultUser is the identity sent when none is configured.
var DefaultUser = protocol.User{Name: "Guest", Color: "blue"}

// Config configures a Session.
type Config struct {
	// ID defaults to a fresh session id.
	ID string
	// Namespace partitions synced state. Default: ID.
	Namespace string

	Runtime   Runtime
	Compiler  Compiler
	Store     Store
	Generator aigen.Generator // nil: AI requests end in an error

	// Identity supplies the current user. Default: DefaultUser.
	Identity func(ctx context.Context) protocol.User

	// Viewport of execution contexts; zero keeps the runtime default.
	Width, Height int

	// OnEvent is called synchronously for status changes, guest mouse
	// movement and guest exceptions. It must not block.
	OnEvent func(Event)

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ID == "" {
		c.ID = idgen.Session()
	}
	if c.Namespace == "" {
		c.Namespace = c.ID
	}
	if c.Identity == nil {
		c.Identity = func(context.Context) protocol.User { return DefaultUser }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is one embedded mini-app instance.
type Session struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	gen     uint64
	status  Status
	source  string
	doc     *assembler.Document
	bridge  *bridge
	closed  bool
	changed chan struct{}
}

// NewSession creates an idle session. Call SetSource to load a mini-app.
func NewSession(cfg Config) (*Session, error) {
	switch {
	case cfg.Runtime == nil:
		return nil, errors.New("sandbox: runtime required")
	case cfg.Compiler == nil:
		return nil, errors.New("sandbox: compiler required")
	case cfg.Store == nil:
		return nil, errors.New("sandbox: store required")
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		log:     cfg.Logger.With("session", cfg.ID, "namespace", cfg.Namespace),
		ctx:     ctx,
		cancel:  cancel,
		status:  Status{State: StateIdle},
		changed: make(chan struct{}),
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.ID }

// Namespace returns the synced state namespace.
func (s *Session) Namespace() string { return s.cfg.Namespace }

// SetSource recompiles the session from appCode and returns the new
// generation. An in-flight compile is superseded: its result is dropped.
func (s *Session) SetSource(appCode string) (uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.gen++
	gen := s.gen
	s.source = appCode
	st := s.setStatusLocked(Status{State: StateCompiling, Generation: gen})
	s.mu.Unlock()

	s.emit(Event{Type: EventStatus, Status: &st})
	s.log.Debug("sandbox: compiling", "generation", gen, "bytes", len(appCode))
	go s.load(gen, appCode)
	return gen, nil
}

func (s *Session) load(gen uint64, appCode string) {
	start := time.Now()
	doc, err := s.cfg.Compiler.Compile(s.ctx, appCode)
	if err != nil {
		s.finish(gen, nil, nil, err)
		return
	}
	if !s.current(gen) {
		s.log.Debug("sandbox: superseded compile dropped", "generation", gen)
		return
	}

	b := newBridge(s, s.cfg.ID+"/"+strconv.FormatUint(gen, 10))
	exec, err := s.cfg.Runtime.Open(s.ctx, doc, OpenOptions{
		OnMessage:    b.handle,
		OnGuestError: b.guestError,
		Width:        s.cfg.Width,
		Height:       s.cfg.Height,
	})
	if err != nil {
		b.close()
		s.finish(gen, nil, nil, fmt.Errorf("sandbox: open context: %w", err))
		return
	}
	b.attach(exec)
	s.log.Info("sandbox: document loaded", "generation", gen, "digest", doc.Digest, "duration", time.Since(start))
	s.finish(gen, doc, b, nil)
}

// finish installs the result of generation gen unless it was superseded.
// The previous context is torn down.
func (s *Session) finish(gen uint64, doc *assembler.Document, b *bridge, err error) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		if b != nil {
			b.close()
		}
		s.log.Debug("sandbox: superseded result dropped", "generation", gen)
		return
	}
	old := s.bridge
	s.bridge, s.doc = b, doc
	st := Status{State: StateReady, Generation: gen}
	if err != nil {
		st = Status{State: StateError, Generation: gen, Err: err, Error: err.Error()}
	} else {
		st.Digest = doc.Digest
	}
	st = s.setStatusLocked(st)
	s.mu.Unlock()

	if old != nil {
		old.close()
	}
	if err != nil {
		s.log.Info("sandbox: compile failed", "generation", gen, "error", err)
	}
	s.emit(Event{Type: EventStatus, Status: &st})
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && gen == s.gen
}

func (s *Session) setStatusLocked(st Status) Status {
	s.status = st
	close(s.changed)
	s.changed = make(chan struct{})
	return st
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Source returns the most recent source.
func (s *Session) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Document returns the live document, nil unless ready.
func (s *Session) Document() *assembler.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Wait blocks until the session is ready or in error for the latest
// generation, or ctx ends.
func (s *Session) Wait(ctx context.Context) (Status, error) {
	for {
		s.mu.Lock()
		st, ch, closed := s.status, s.changed, s.closed
		s.mu.Unlock()

		if closed {
			return st, ErrClosed
		}
		if st.State == StateReady || st.State == StateError {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Close tears the session down: the context is destroyed, the store
// subscription released, in-flight AI streams abandoned.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	b := s.bridge
	s.bridge, s.doc = nil, nil
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.cancel()
	if b != nil {
		b.close()
	}
	s.log.Info("sandbox: session closed")
	return nil
}

func (s *Session) emit(e Event) {
	if s.cfg.OnEvent == nil {
		return
	}
	e.Session = s.cfg.ID
	s.cfg.OnEvent(e)
}
