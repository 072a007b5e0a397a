package screenshot

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"testing"
	"time"

	"github.com/hazyhaar/miniapp/assembler"
	"github.com/hazyhaar/miniapp/protocol"
	"github.com/hazyhaar/miniapp/sandbox"
	"github.com/hazyhaar/miniapp/sandbox/sandboxtest"
)

type staticCompiler struct{ err error }

func (c staticCompiler) Compile(_ context.Context, src string) (*assembler.Document, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &assembler.Document{HTML: "<!-- " + src + " -->", Digest: src}, nil
}

var fast = Options{Width: 40, Height: 30, LoadTimeout: time.Second, ReadyTimeout: 100 * time.Millisecond, Settle: time.Millisecond}

func TestCapture(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	out, err := Capture(context.Background(), rt, staticCompiler{}, "app", fast)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 30 {
		t.Errorf("size: got %dx%d, want 40x30", b.Dx(), b.Dy())
	}

	guests := rt.Guests()
	if len(guests) != 1 {
		t.Fatalf("contexts: got %d, want 1", len(guests))
	}
	g := guests[0]
	if !g.Closed() {
		t.Error("context should be closed after capture")
	}
	user, ok := g.User()
	if !ok || user != sandbox.DefaultUser {
		t.Errorf("initialize user: got %+v (%v), want %+v", user, ok, sandbox.DefaultUser)
	}
	for _, m := range g.Received() {
		if m.Type == protocol.TypeInitialize && len(m.SyncedState) != 0 {
			t.Errorf("initialize state: got %v, want empty", m.SyncedState)
		}
	}
}

func TestCapture_ReadyTimeout(t *testing.T) {
	rt := &sandboxtest.Runtime{ManualReady: true}
	_, err := Capture(context.Background(), rt, staticCompiler{}, "app", fast)
	if !errors.Is(err, ErrReadyTimeout) {
		t.Fatalf("got %v, want ErrReadyTimeout", err)
	}
	if g := rt.Guests(); len(g) != 1 || !g[0].Closed() {
		t.Fatal("context not torn down after timeout")
	}
}

func TestCapture_CompileError(t *testing.T) {
	boom := errors.New("syntax")
	_, err := Capture(context.Background(), sandboxtest.NewRuntime(), staticCompiler{err: boom}, "app", fast)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped compile error", err)
	}
}

// stallRuntime opens contexts that never finish loading.
type stallRuntime struct{}

type stallContext struct{}

func (stallRuntime) Open(context.Context, *assembler.Document, sandbox.OpenOptions) (sandbox.ExecContext, error) {
	return stallContext{}, nil
}

func (stallContext) Send(context.Context, []byte) error { return nil }
func (stallContext) Close() error                       { return nil }
func (stallContext) WaitLoad(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (stallContext) Screenshot(context.Context) ([]byte, error) { return nil, nil }

func TestCapture_LoadTimeout(t *testing.T) {
	opts := fast
	opts.LoadTimeout = 20 * time.Millisecond
	_, err := Capture(context.Background(), stallRuntime{}, staticCompiler{}, "app", opts)
	if !errors.Is(err, ErrLoadTimeout) {
		t.Fatalf("got %v, want ErrLoadTimeout", err)
	}
}

// blindRuntime opens contexts that cannot render.
type blindRuntime struct{}

type blindContext struct{}

func (blindRuntime) Open(context.Context, *assembler.Document, sandbox.OpenOptions) (sandbox.ExecContext, error) {
	return blindContext{}, nil
}

func (blindContext) Send(context.Context, []byte) error { return nil }
func (blindContext) Close() error                       { return nil }

func TestCapture_NotCapturable(t *testing.T) {
	_, err := Capture(context.Background(), blindRuntime{}, staticCompiler{}, "app", fast)
	if !errors.Is(err, ErrCapture) {
		t.Fatalf("got %v, want ErrCapture", err)
	}
}
