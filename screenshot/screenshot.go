// Package screenshot renders a mini-app to a PNG without an embedding UI:
// compile, load into a throwaway execution context, answer ready with an
// empty initialize, let it settle, capture.
package screenshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/miniapp/protocol"
	"github.com/hazyhaar/miniapp/sandbox"
)

var (
	// ErrLoadTimeout: the document did not finish loading in time.
	ErrLoadTimeout = errors.New("screenshot: load timeout")
	// ErrReadyTimeout: the guest never sent ready.
	ErrReadyTimeout = errors.New("screenshot: ready timeout")
	// ErrCapture: the context cannot be captured or the capture failed.
	ErrCapture = errors.New("screenshot: capture failed")
)

// Options configures one capture.
type Options struct {
	// Viewport. Default: 800x600.
	Width, Height int

	LoadTimeout  time.Duration // default 10s
	ReadyTimeout time.Duration // default 10s
	// Settle is how long to let the app render after initialize. Default 500ms.
	Settle time.Duration

	// User is sent in initialize. Default: sandbox.DefaultUser.
	User protocol.User
}

func (o *Options) defaults() {
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = 800, 600
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 10 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 10 * time.Second
	}
	if o.Settle <= 0 {
		o.Settle = 500 * time.Millisecond
	}
	if o.User == (protocol.User{}) {
		o.User = sandbox.DefaultUser
	}
}

// Capture compiles appCode and returns a PNG of its first render.
func Capture(ctx context.Context, rt sandbox.Runtime, comp sandbox.Compiler, appCode string, opts Options) ([]byte, error) {
	opts.defaults()

	doc, err := comp.Compile(ctx, appCode)
	if err != nil {
		return nil, fmt.Errorf("screenshot: compile: %w", err)
	}

	ready := make(chan struct{})
	var once sync.Once
	exec, err := rt.Open(ctx, doc, sandbox.OpenOptions{
		Width:  opts.Width,
		Height: opts.Height,
		OnMessage: func(raw []byte) {
			if m, err := protocol.DecodeGuest(raw); err == nil && m.Type == protocol.TypeReady {
				once.Do(func() { close(ready) })
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: open: %w", err)
	}
	defer exec.Close()

	capt, ok := exec.(sandbox.Capturer)
	if !ok {
		return nil, fmt.Errorf("%w: runtime cannot render", ErrCapture)
	}

	loadCtx, cancel := context.WithTimeout(ctx, opts.LoadTimeout)
	err = capt.WaitLoad(loadCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLoadTimeout
		}
		return nil, fmt.Errorf("screenshot: load: %w", err)
	}

	if err := waitFor(ctx, ready, opts.ReadyTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrReadyTimeout
	}

	raw, err := json.Marshal(protocol.Initialize(opts.User, map[string]json.RawMessage{}))
	if err != nil {
		return nil, fmt.Errorf("screenshot: encode initialize: %w", err)
	}
	if err := exec.Send(ctx, raw); err != nil {
		return nil, fmt.Errorf("screenshot: initialize: %w", err)
	}

	t := time.NewTimer(opts.Settle)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
		return nil, ctx.Err()
	}

	png, err := capt.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	return png, nil
}

func waitFor(ctx context.Context, ch <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}
