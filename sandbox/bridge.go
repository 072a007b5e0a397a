package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/miniapp/protocol"
	"github.com/hazyhaar/miniapp/syncstore"
)

// bridge connects one execution context to the session's collaborators.
//
// Host messages go through an outbox drained by a single writer goroutine,
// so they reach the guest in the order they were produced and nothing is
// sent once close returns.
type bridge struct {
	s      *Session
	origin string // tags this bridge's store writes
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	unsub  syncstore.Unsubscribe

	exec     ExecContext
	attached chan struct{}
	wake     chan struct{}
	done     chan struct{}

	mu           sync.Mutex
	closed       bool
	readySeen    bool
	initSent     bool
	snapshotting bool
	pending      []syncstore.Change
	mirror       map[string]string
	streams      map[string]bool
	outbox       []protocol.HostMessage
}

func newBridge(s *Session, origin string) *bridge {
	ctx, cancel := context.WithCancel(s.ctx)
	b := &bridge{
		s:        s,
		origin:   origin,
		log:      s.log.With("origin", origin),
		ctx:      ctx,
		cancel:   cancel,
		attached: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		mirror:   make(map[string]string),
		streams:  make(map[string]bool),
	}
	b.unsub = s.cfg.Store.Subscribe(s.cfg.Namespace, b.onChange)
	go b.writeLoop()
	return b
}

// attach sets the context messages are written to. Messages queued before
// attach are delivered after it.
func (b *bridge) attach(exec ExecContext) {
	b.exec = exec
	close(b.attached)
}

// close tears the bridge down. After it returns no message reaches the
// guest and the store subscription is released.
func (b *bridge) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.outbox = nil
	b.mu.Unlock()

	b.cancel()
	b.unsub()
	<-b.done

	select {
	case <-b.attached:
		if err := b.exec.Close(); err != nil {
			b.log.Debug("sandbox: close context", "error", err)
		}
	default:
	}
}

func (b *bridge) enqueue(msg protocol.HostMessage) {
	b.mu.Lock()
	b.enqueueLocked(msg)
	b.mu.Unlock()
}

func (b *bridge) enqueueLocked(msg protocol.HostMessage) {
	if b.closed {
		return
	}
	b.outbox = append(b.outbox, msg)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *bridge) writeLoop() {
	defer close(b.done)
	select {
	case <-b.attached:
	case <-b.ctx.Done():
		return
	}

	for {
		b.mu.Lock()
		for len(b.outbox) == 0 && !b.closed {
			b.mu.Unlock()
			select {
			case <-b.wake:
			case <-b.ctx.Done():
				return
			}
			b.mu.Lock()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		msg := b.outbox[0]
		b.outbox = b.outbox[1:]
		b.mu.Unlock()

		raw, err := json.Marshal(msg)
		if err != nil {
			b.log.Error("sandbox: encode host message", "type", msg.Type, "error", err)
			continue
		}
		if err := b.exec.Send(b.ctx, raw); err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.log.Warn("sandbox: send to guest failed", "type", msg.Type, "error", err)
		}
	}
}

// handle processes one raw guest message. Malformed messages are dropped.
func (b *bridge) handle(raw []byte) {
	msg, err := protocol.DecodeGuest(raw)
	if err != nil {
		b.log.Debug("sandbox: dropped guest message", "error", err, "bytes", len(raw))
		return
	}

	if msg.Type != protocol.TypeReady {
		b.mu.Lock()
		ready := b.readySeen
		b.mu.Unlock()
		if !ready {
			b.log.Debug("sandbox: guest message before ready dropped", "type", msg.Type)
			return
		}
	}

	switch msg.Type {
	case protocol.TypeReady:
		b.mu.Lock()
		first := !b.readySeen && !b.closed
		b.readySeen = true
		b.mu.Unlock()
		if !first {
			b.log.Debug("sandbox: repeated ready ignored")
			return
		}
		b.log.Info("sandbox: guest ready")
		go b.initialize()

	case protocol.TypeUpdateState:
		b.applyGuestUpdate(msg.StateKey, msg.ValueJSON)

	case protocol.TypeMouseMove:
		b.s.emit(Event{Type: EventMouseMove, X: msg.X, Y: msg.Y})

	case protocol.TypeAIGenerateContent:
		b.mu.Lock()
		dup := b.streams[msg.RequestID]
		if !dup && !b.closed {
			b.streams[msg.RequestID] = true
		}
		b.mu.Unlock()
		if dup {
			b.log.Debug("sandbox: duplicate request id ignored", "request", msg.RequestID)
			return
		}
		go b.relay(msg.RequestID, msg.Request)
	}
}

func (b *bridge) guestError(text string) {
	b.log.Warn("sandbox: uncaught guest exception", "error", text)
	b.s.emit(Event{Type: EventGuestError, Message: text})
}

// initialize resolves the namespace snapshot and sends initialize once.
// Store changes seen while the snapshot is in flight are applied on top.
func (b *bridge) initialize() {
	b.mu.Lock()
	b.snapshotting = true
	b.pending = nil
	b.mu.Unlock()

	snap, err := b.snapshot()
	if err != nil {
		return
	}
	user := b.s.cfg.Identity(b.ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for k, v := range snap {
		b.mirror[k] = v
	}
	for _, c := range b.pending {
		b.mirror[c.Key] = c.ValueJSON
	}
	b.pending = nil
	b.snapshotting = false

	state := make(map[string]json.RawMessage, len(b.mirror))
	for k, v := range b.mirror {
		if json.Valid([]byte(v)) {
			state[k] = json.RawMessage(v)
		} else {
			state[k] = json.RawMessage("null")
		}
	}
	b.initSent = true
	b.enqueueLocked(protocol.Initialize(user, state))
	b.log.Debug("sandbox: initialize queued", "keys", len(state))
}

// snapshot reads the namespace, retrying until it succeeds or the bridge
// is torn down.
func (b *bridge) snapshot() (map[string]string, error) {
	backoff := 100 * time.Millisecond
	for {
		snap, err := b.s.cfg.Store.Get(b.ctx, b.s.cfg.Namespace)
		if err == nil {
			return snap, nil
		}
		if b.ctx.Err() != nil {
			return nil, b.ctx.Err()
		}
		b.log.Warn("sandbox: snapshot failed, retrying", "error", err, "backoff", backoff)
		t := time.NewTimer(backoff)
		select {
		case <-b.ctx.Done():
			t.Stop()
			return nil, b.ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, 2*time.Second)
	}
}

// onChange forwards store changes written by anyone but this bridge.
func (b *bridge) onChange(c syncstore.Change) {
	if c.Origin == b.origin {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if !b.initSent {
		if b.snapshotting {
			b.pending = append(b.pending, c)
		}
		return
	}
	if cur, ok := b.mirror[c.Key]; ok && cur == c.ValueJSON {
		return
	}
	b.mirror[c.Key] = c.ValueJSON
	b.enqueueLocked(protocol.UpdateState(c.Key, c.ValueJSON))
}

// applyGuestUpdate writes a guest value to the store. A value equal to the
// mirrored one is a no-op.
func (b *bridge) applyGuestUpdate(key, valueJSON string) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(valueJSON)); err != nil {
		b.log.Debug("sandbox: dropped update with invalid value", "key", key, "error", err)
		return
	}
	v := buf.String()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if cur, ok := b.mirror[key]; ok && cur == v {
		b.mu.Unlock()
		return
	}
	b.mirror[key] = v
	b.mu.Unlock()

	if err := b.s.cfg.Store.Set(b.ctx, b.s.cfg.Namespace, key, v, b.origin); err != nil && b.ctx.Err() == nil {
		b.log.Warn("sandbox: store write failed", "key", key, "error", err)
	}
}

// relay streams one AI request back to the guest: chunks in arrival order,
// then exactly one of error or done. A torn-down bridge sends nothing more.
func (b *bridge) relay(requestID string, req protocol.GenerateRequest) {
	defer func() {
		b.mu.Lock()
		delete(b.streams, requestID)
		b.mu.Unlock()
	}()

	gen := b.s.cfg.Generator
	if gen == nil {
		b.enqueue(protocol.AIError(requestID, "AI generation is not available"))
		return
	}

	start := time.Now()
	chunks := 0
	for chunk, err := range gen.StreamGenerate(b.ctx, req) {
		if b.ctx.Err() != nil {
			b.log.Debug("sandbox: stream abandoned", "request", requestID, "chunks", chunks)
			return
		}
		if err != nil {
			b.log.Warn("sandbox: stream failed", "request", requestID, "chunks", chunks, "error", err)
			b.enqueue(protocol.AIError(requestID, err.Error()))
			return
		}
		if chunk == "" {
			continue
		}
		chunks++
		b.enqueue(protocol.AIChunk(requestID, chunk))
	}
	if b.ctx.Err() != nil {
		return
	}
	b.enqueue(protocol.AIDone(requestID))
	b.log.Debug("sandbox: stream done", "request", requestID, "chunks", chunks, "duration", time.Since(start))
}
