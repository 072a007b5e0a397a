package sandbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/miniapp/aigen"
	"github.com/hazyhaar/miniapp/assembler"
	"github.com/hazyhaar/miniapp/protocol"
	"github.com/hazyhaar/miniapp/sandbox"
	"github.com/hazyhaar/miniapp/sandbox/sandboxtest"
	"github.com/hazyhaar/miniapp/syncstore"
)

// fakeCompiler returns a document per source. Sources with a gate block
// until the gate is closed.
type fakeCompiler struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	fail  map[string]error
	calls int
}

func (c *fakeCompiler) gate(src string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gates == nil {
		c.gates = make(map[string]chan struct{})
	}
	ch := make(chan struct{})
	c.gates[src] = ch
	return ch
}

func (c *fakeCompiler) Compile(ctx context.Context, src string) (*assembler.Document, error) {
	c.mu.Lock()
	c.calls++
	gate := c.gates[src]
	err := c.fail[src]
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &assembler.Document{HTML: "<!doctype html><!-- " + src + " -->", Digest: "digest-" + src}, nil
}

type fixture struct {
	rt      *sandboxtest.Runtime
	store   *syncstore.Memory
	comp    *fakeCompiler
	session *sandbox.Session

	mu     sync.Mutex
	events []sandbox.Event
}

func newFixture(t *testing.T, gen aigen.Generator) *fixture {
	t.Helper()
	f := &fixture{
		rt:    sandboxtest.NewRuntime(),
		store: syncstore.NewMemory(),
		comp:  &fakeCompiler{},
	}
	s, err := sandbox.NewSession(sandbox.Config{
		ID:        "ses_test",
		Namespace: "ns",
		Runtime:   f.rt,
		Compiler:  f.comp,
		Store:     f.store,
		Generator: gen,
		OnEvent: func(e sandbox.Event) {
			f.mu.Lock()
			f.events = append(f.events, e)
			f.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	f.session = s
	t.Cleanup(func() { s.Close() })
	return f
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// load sets src, waits for ready and for the guest's initialize.
func (f *fixture) load(t *testing.T, src string) *sandboxtest.Guest {
	t.Helper()
	ctx := testCtx(t)
	if _, err := f.session.SetSource(src); err != nil {
		t.Fatalf("SetSource: %v", err)
	}
	st, err := f.session.Wait(ctx)
	if err != nil || st.State != sandbox.StateReady {
		t.Fatalf("Wait: state %s err %v (%v)", st.State, err, st.Err)
	}
	g, err := f.rt.Next(ctx)
	if err != nil {
		t.Fatalf("no guest opened: %v", err)
	}
	if err := g.WaitInitialized(ctx); err != nil {
		t.Fatalf("guest not initialized: %v", err)
	}
	return g
}

func waitStore(t *testing.T, s *syncstore.Memory, key, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, _ := s.Get(context.Background(), "ns")
		if snap[key] == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := s.Get(context.Background(), "ns")
	t.Fatalf("store %s: got %q, want %q", key, snap[key], want)
}

func countType(msgs []protocol.HostMessage, typ protocol.Type) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func TestSession_InitializeOnceWithSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Set(context.Background(), "ns", "counter", "5", "seed")

	g := f.load(t, "app")
	g.Ready()
	g.Ready()
	time.Sleep(30 * time.Millisecond)

	if n := g.Initializations(); n != 1 {
		t.Fatalf("initialize count: got %d, want 1", n)
	}
	user, _ := g.User()
	if user != sandbox.DefaultUser {
		t.Errorf("user: got %+v, want %+v", user, sandbox.DefaultUser)
	}
	if v, _ := g.Value("counter"); string(v) != "5" {
		t.Errorf("counter: got %s, want 5", v)
	}
	if g.Doc.Digest != "digest-app" {
		t.Errorf("guest document: got %q", g.Doc.Digest)
	}
}

func TestSession_OptimisticRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	g := f.load(t, "app")

	if err := g.Set("counter", 1); err != nil {
		t.Fatal(err)
	}
	if v, _ := g.Value("counter"); string(v) != "1" {
		t.Fatalf("local read after set: got %s, want 1", v)
	}
	waitStore(t, f.store, "counter", "1")

	// Another writer echoing the same value is a no-op.
	f.store.Set(context.Background(), "ns", "counter", "1", "elsewhere")
	time.Sleep(30 * time.Millisecond)

	if v, _ := g.Value("counter"); string(v) != "1" {
		t.Fatalf("after echo: got %s, want 1", v)
	}
	if n := countType(g.Received(), protocol.TypeUpdateState); n != 0 {
		t.Fatalf("host should not echo the guest's own value, got %d updates", n)
	}
}

func TestSession_LastWriteWins(t *testing.T) {
	f := newFixture(t, nil)
	g := f.load(t, "app")
	ctx := testCtx(t)

	g.Set("K", "a")
	waitStore(t, f.store, "K", `"a"`)

	f.store.Set(ctx, "ns", "K", `"b"`, "external")
	err := g.Wait(ctx, func(msgs []protocol.HostMessage) bool {
		for _, m := range msgs {
			if m.Type == protocol.TypeUpdateState && m.StateKey == "K" && m.ValueJSON == `"b"` {
				return true
			}
		}
		return false
	})
	if err != nil {
		t.Fatalf("external update not forwarded: %v", err)
	}
	if v, _ := g.Value("K"); string(v) != `"b"` {
		t.Fatalf("K: got %s, want \"b\"", v)
	}
}

func TestSession_SupersededCompileDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	releaseA := f.comp.gate("A")

	if _, err := f.session.SetSource("A"); err != nil {
		t.Fatal(err)
	}
	g := f.load(t, "B")

	close(releaseA)
	time.Sleep(50 * time.Millisecond)

	st := f.session.Status()
	if st.State != sandbox.StateReady || st.Digest != "digest-B" {
		t.Fatalf("status: got %+v, want ready with B", st)
	}
	if d := f.session.Document(); d == nil || d.Digest != "digest-B" {
		t.Fatalf("document: got %+v, want B", d)
	}
	if n := len(f.rt.Guests()); n != 1 {
		t.Fatalf("contexts opened: got %d, want 1", n)
	}
	if g.Closed() {
		t.Fatal("B's context was closed by A's late result")
	}
}

func TestSession_RecompileReplacesContext(t *testing.T) {
	f := newFixture(t, nil)
	first := f.load(t, "v1")
	second := f.load(t, "v2")

	if !first.Closed() {
		t.Error("previous context should be torn down")
	}
	if second.Closed() {
		t.Error("new context closed")
	}
}

func TestSession_MalformedGuestMessages(t *testing.T) {
	f := newFixture(t, nil)
	g := f.load(t, "app")

	for _, raw := range []string{
		`not json`,
		`{}`,
		`{"type":"bogus"}`,
		`{"type":"updateState","stateKey":"k"}`,
		`{"type":"updateState","stateKey":"k","valueJson":"{bad"}`,
		`{"type":"mouseMove","x":"left","y":1}`,
		`{"type":"aiGenerateContent","requestId":"r"}`,
	} {
		g.SendRaw([]byte(raw))
	}
	g.Set("ok", true)
	waitStore(t, f.store, "ok", "true")

	snap, _ := f.store.Get(context.Background(), "ns")
	if len(snap) != 1 {
		t.Fatalf("malformed messages changed state: %v", snap)
	}
	if st := f.session.Status(); st.State != sandbox.StateReady {
		t.Fatalf("state: got %s", st.State)
	}
}

func TestSession_MessagesBeforeReadyDropped(t *testing.T) {
	f := newFixture(t, &aigen.Scripted{Chunks: []string{"early"}})
	f.rt.ManualReady = true
	ctx := testCtx(t)

	if _, err := f.session.SetSource("app"); err != nil {
		t.Fatal(err)
	}
	g, err := f.rt.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	g.Set("early", 1)
	g.Generate("r0", "too soon")
	g.MouseMove(3, 4)
	g.Ready()
	if err := g.WaitInitialized(ctx); err != nil {
		t.Fatal(err)
	}

	g.Set("late", 2)
	waitStore(t, f.store, "late", "2")
	snap, _ := f.store.Get(ctx, "ns")
	if _, ok := snap["early"]; ok {
		t.Fatalf("pre-ready write reached the store: %v", snap)
	}
	for _, m := range g.Received() {
		if m.RequestID == "r0" {
			t.Fatalf("pre-ready AI request was served: %+v", m)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Type == sandbox.EventMouseMove {
			t.Fatalf("pre-ready mouseMove emitted: %+v", e)
		}
	}
}

func TestSession_AIStream(t *testing.T) {
	f := newFixture(t, &aigen.Scripted{Chunks: []string{"Hello", " world"}})
	g := f.load(t, "app")

	g.Generate("r1", "greet")
	chunks, err := g.Stream(testCtx(t), "r1")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(chunks) != 2 || chunks[0] != "Hello" || chunks[1] != " world" {
		t.Fatalf("chunks: got %q", chunks)
	}

	time.Sleep(20 * time.Millisecond)
	terminal, afterTerminal := 0, 0
	for _, m := range g.Received() {
		if m.RequestID != "r1" {
			continue
		}
		if terminal > 0 {
			afterTerminal++
		}
		if m.Terminal() {
			terminal++
		}
	}
	if terminal != 1 || afterTerminal != 0 {
		t.Fatalf("terminal messages: got %d (then %d more), want exactly 1", terminal, afterTerminal)
	}
}

func TestSession_AIStreamError(t *testing.T) {
	f := newFixture(t, &aigen.Scripted{Chunks: []string{"partial"}, Err: errors.New("quota exceeded")})
	g := f.load(t, "app")

	g.Generate("r2", "x")
	chunks, err := g.Stream(testCtx(t), "r2")
	if err == nil || err.Error() != "quota exceeded" {
		t.Fatalf("stream error: got %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "partial" {
		t.Fatalf("chunks before error should be kept: %q", chunks)
	}
	time.Sleep(20 * time.Millisecond)
	for _, m := range g.Received() {
		if m.RequestID == "r2" && m.Done {
			t.Fatal("done sent after error")
		}
	}
}

func TestSession_AIWithoutGenerator(t *testing.T) {
	f := newFixture(t, nil)
	g := f.load(t, "app")
	g.Generate("r3", "x")
	if _, err := g.Stream(testCtx(t), "r3"); err == nil {
		t.Fatal("expected error terminal")
	}
}

func TestSession_CompileError(t *testing.T) {
	f := newFixture(t, nil)
	f.comp.fail = map[string]error{"broken": errors.New("app.tsx:1:1: ERROR: Unexpected token")}
	if _, err := f.session.SetSource("broken"); err != nil {
		t.Fatal(err)
	}
	st, err := f.session.Wait(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if st.State != sandbox.StateError || st.Error == "" || st.Err == nil {
		t.Fatalf("status: got %+v", st)
	}
	if len(f.rt.Guests()) != 0 {
		t.Fatal("no context should be created for a failed compile")
	}
	if f.session.Document() != nil {
		t.Fatal("failed compile should leave no document")
	}
}

func TestSession_OpenError(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.OpenErr = errors.New("chrome gone")
	f.session.SetSource("app")
	st, _ := f.session.Wait(testCtx(t))
	if st.State != sandbox.StateError {
		t.Fatalf("state: got %s, want error", st.State)
	}
}

func TestSession_TeardownStopsDelivery(t *testing.T) {
	f := newFixture(t, &aigen.Scripted{Chunks: []string{"a", "b", "c"}, Delay: 30 * time.Millisecond})
	g := f.load(t, "app")

	g.Generate("slow", "x")
	time.Sleep(40 * time.Millisecond)
	if err := f.session.Close(); err != nil {
		t.Fatal(err)
	}
	if !g.Closed() {
		t.Fatal("context not closed")
	}
	before := len(g.Received())

	f.store.Set(context.Background(), "ns", "k", "1", "external")
	time.Sleep(150 * time.Millisecond)

	if n := g.LateDeliveries(); n != 0 {
		t.Fatalf("messages delivered after teardown: %d", n)
	}
	if len(g.Received()) != before {
		t.Fatal("guest received messages after teardown")
	}
	if _, err := f.session.SetSource("again"); !errors.Is(err, sandbox.ErrClosed) {
		t.Fatalf("SetSource after Close: got %v, want ErrClosed", err)
	}
	if _, err := f.session.Wait(testCtx(t)); !errors.Is(err, sandbox.ErrClosed) {
		t.Fatalf("Wait after Close: got %v, want ErrClosed", err)
	}
}

func TestSession_Events(t *testing.T) {
	f := newFixture(t, nil)
	g := f.load(t, "app")
	g.MouseMove(10, 20)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		var states []sandbox.State
		var mouse *sandbox.Event
		for i, e := range f.events {
			switch e.Type {
			case sandbox.EventStatus:
				states = append(states, e.Status.State)
			case sandbox.EventMouseMove:
				mouse = &f.events[i]
			}
		}
		f.mu.Unlock()
		if mouse != nil {
			if mouse.X != 10 || mouse.Y != 20 || mouse.Session != "ses_test" {
				t.Fatalf("mouse event: got %+v", *mouse)
			}
			if len(states) < 2 || states[0] != sandbox.StateCompiling || states[len(states)-1] != sandbox.StateReady {
				t.Fatalf("status events: got %v", states)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("mouse event not emitted")
}

func TestSession_InitializeEmptyNamespace(t *testing.T) {
	f := newFixture(t, nil)
	g := f.load(t, "app")
	for _, m := range g.Received() {
		if m.Type != protocol.TypeInitialize {
			continue
		}
		if m.SyncedState == nil || len(m.SyncedState) != 0 {
			t.Fatalf("syncedState: got %v, want empty object", m.SyncedState)
		}
		return
	}
	t.Fatal("no initialize received")
}

func TestNewSession_RequiresCollaborators(t *testing.T) {
	if _, err := sandbox.NewSession(sandbox.Config{}); err == nil {
		t.Fatal("expected error")
	}
}
