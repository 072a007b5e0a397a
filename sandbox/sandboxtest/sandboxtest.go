// Package sandboxtest provides an in-process sandbox.Runtime whose
// execution contexts are Guests: Go stand-ins for the guest runtime that
// speak its side of the protocol, so host behaviour is testable without a
// browser.
package sandboxtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/hazyhaar/miniapp/assembler"
	"github.com/hazyhaar/miniapp/protocol"
	"github.com/hazyhaar/miniapp/sandbox"
)

// Runtime opens Guests.
type Runtime struct {
	// ManualReady stops new guests from sending ready on open.
	ManualReady bool
	// OpenErr, if set, fails every Open.
	OpenErr error

	mu     sync.Mutex
	guests []*Guest
	opened chan *Guest
}

// NewRuntime returns a Runtime whose guests send ready as soon as they open.
func NewRuntime() *Runtime { return &Runtime{} }

// Open creates a Guest for doc.
func (r *Runtime) Open(_ context.Context, doc *assembler.Document, opts sandbox.OpenOptions) (sandbox.ExecContext, error) {
	if r.OpenErr != nil {
		return nil, r.OpenErr
	}
	g := newGuest(doc, opts)
	r.mu.Lock()
	r.guests = append(r.guests, g)
	opened := r.openedLocked()
	r.mu.Unlock()
	opened <- g
	if !r.ManualReady {
		g.Ready()
	}
	return g, nil
}

// Guests returns every guest opened so far.
func (r *Runtime) Guests() []*Guest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Guest(nil), r.guests...)
}

func (r *Runtime) openedLocked() chan *Guest {
	if r.opened == nil {
		r.opened = make(chan *Guest, 64)
	}
	return r.opened
}

// Next waits for the next guest to open.
func (r *Runtime) Next(ctx context.Context) (*Guest, error) {
	r.mu.Lock()
	opened := r.openedLocked()
	r.mu.Unlock()
	select {
	case g := <-opened:
		return g, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Guest mirrors what the guest runtime does with host messages and lets a
// test drive the guest side.
type Guest struct {
	Doc  *assembler.Document
	opts sandbox.OpenOptions

	out  chan []byte
	stop chan struct{}

	mu       sync.Mutex
	changed  chan struct{}
	closed   bool
	late     int
	dropped  int
	received []protocol.HostMessage
	sent     []protocol.GuestMessage
	inits    int
	user     protocol.User
	mirror   map[string]json.RawMessage
}

func newGuest(doc *assembler.Document, opts sandbox.OpenOptions) *Guest {
	g := &Guest{
		Doc:     doc,
		opts:    opts,
		out:     make(chan []byte, 256),
		stop:    make(chan struct{}),
		changed: make(chan struct{}),
		mirror:  make(map[string]json.RawMessage),
	}
	go g.deliver()
	return g
}

// deliver hands guest messages to the host one at a time, in order.
func (g *Guest) deliver() {
	for {
		select {
		case raw := <-g.out:
			if g.opts.OnMessage != nil {
				g.opts.OnMessage(raw)
			}
		case <-g.stop:
			return
		}
	}
}

// SendRaw sends raw bytes to the host as a guest message.
func (g *Guest) SendRaw(raw []byte) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if !closed {
		g.out <- raw
	}
}

func (g *Guest) send(m protocol.GuestMessage) {
	raw, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("sandboxtest: encode %s: %v", m.Type, err))
	}
	g.mu.Lock()
	g.sent = append(g.sent, m)
	g.mu.Unlock()
	g.SendRaw(raw)
}

// Ready sends the handshake.
func (g *Guest) Ready() { g.send(protocol.Ready()) }

// MouseMove reports pointer movement.
func (g *Guest) MouseMove(x, y float64) { g.send(protocol.MouseMove(x, y)) }

// Set updates key locally at once, then sends it to the host.
func (g *Guest) Set(key string, v any) error {
	valueJSON, err := protocol.EncodeValue(v)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.mirror[key] = json.RawMessage(valueJSON)
	g.mu.Unlock()
	g.send(protocol.GuestUpdate(key, valueJSON))
	return nil
}

// Generate starts an AI stream.
func (g *Guest) Generate(requestID, prompt string) {
	g.send(protocol.GenerateContent(requestID, protocol.GenerateRequest{
		Contents: []protocol.Content{{Role: "user", Parts: []protocol.Part{{Text: prompt}}}},
	}))
}

// Stream waits for requestID's terminal message and returns the chunks
// before it and, for an error terminal, the error.
func (g *Guest) Stream(ctx context.Context, requestID string) ([]string, error) {
	var chunks []string
	var streamErr error
	err := g.Wait(ctx, func(msgs []protocol.HostMessage) bool {
		chunks, streamErr = nil, nil
		for _, m := range msgs {
			if m.Type != protocol.TypeAIGenerateContentResponse || m.RequestID != requestID {
				continue
			}
			switch {
			case m.Chunk != nil:
				chunks = append(chunks, *m.Chunk)
			case m.Error != nil:
				streamErr = errors.New(*m.Error)
				return true
			case m.Done:
				return true
			}
		}
		return false
	})
	if err != nil {
		return chunks, err
	}
	return chunks, streamErr
}

// Value reads key from the local mirror.
func (g *Guest) Value(key string) (json.RawMessage, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.mirror[key]
	return v, ok
}

// User returns the identity from initialize.
func (g *Guest) User() (protocol.User, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.user, g.inits > 0
}

// Initializations counts initialize messages received.
func (g *Guest) Initializations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inits
}

// Received returns every host message delivered so far.
func (g *Guest) Received() []protocol.HostMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]protocol.HostMessage(nil), g.received...)
}

// Sent returns every well-formed message this guest sent.
func (g *Guest) Sent() []protocol.GuestMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]protocol.GuestMessage(nil), g.sent...)
}

// Wait blocks until cond holds over the received messages.
func (g *Guest) Wait(ctx context.Context, cond func([]protocol.HostMessage) bool) error {
	for {
		g.mu.Lock()
		ok := cond(g.received)
		ch := g.changed
		g.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitInitialized blocks until initialize arrives.
func (g *Guest) WaitInitialized(ctx context.Context) error {
	return g.Wait(ctx, func([]protocol.HostMessage) bool { return g.inits > 0 })
}

// Closed reports whether the host closed this context.
func (g *Guest) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// LateDeliveries counts host messages sent after Close.
func (g *Guest) LateDeliveries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.late
}

// Dropped counts malformed host messages.
func (g *Guest) Dropped() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped
}

// Send implements sandbox.ExecContext.
func (g *Guest) Send(_ context.Context, raw []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		g.late++
		return sandbox.ErrClosed
	}
	m, err := protocol.DecodeHost(raw)
	if err != nil {
		g.dropped++
		return nil
	}
	switch m.Type {
	case protocol.TypeInitialize:
		g.inits++
		if g.inits == 1 {
			g.user = m.User
			for k, v := range m.SyncedState {
				g.mirror[k] = v
			}
		}
	case protocol.TypeUpdateState:
		g.mirror[m.StateKey] = json.RawMessage(m.ValueJSON)
	}
	g.received = append(g.received, m)
	close(g.changed)
	g.changed = make(chan struct{})
	return nil
}

// Close implements sandbox.ExecContext.
func (g *Guest) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.stop)
		close(g.changed)
		g.changed = make(chan struct{})
	}
	return nil
}

// WaitLoad implements sandbox.Capturer.
func (g *Guest) WaitLoad(context.Context) error { return nil }

// Screenshot implements sandbox.Capturer with a blank PNG of the viewport.
func (g *Guest) Screenshot(context.Context) ([]byte, error) {
	w, h := g.opts.Width, g.opts.Height
	if w <= 0 || h <= 0 {
		w, h = 16, 16
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.Black)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
