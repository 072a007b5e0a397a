// Package sandbox is the host side of a mini-app: it compiles source, loads
// the document into a fresh isolated execution context, and bridges the
// guest to the synced store, the identity provider and the AI provider.
//
// A Session moves idle → compiling → ready | error. Every source change
// recompiles; a result superseded by a newer change is dropped. Each ready
// document gets its own execution context and bridge; the previous ones are
// torn down when it replaces them.
package sandbox

import (
	"context"
	"errors"

	"github.com/hazyhaar/miniapp/assembler"
	"github.com/hazyhaar/miniapp/syncstore"
)

// ErrClosed is returned by operations on a closed session or context.
var ErrClosed = errors.New("sandbox: closed")

// OpenOptions configures a new execution context.
type OpenOptions struct {
	// OnMessage receives each guest message as raw JSON, in send order, from
	// a single goroutine. It may be called before Open returns.
	OnMessage func(raw []byte)

	// OnGuestError receives uncaught guest exceptions. Optional.
	OnGuestError func(text string)

	// Viewport; zero keeps the runtime default.
	Width, Height int
}

// Runtime creates isolated execution contexts.
type Runtime interface {
	Open(ctx context.Context, doc *assembler.Document, opts OpenOptions) (ExecContext, error)
}

// ExecContext is one loaded guest document.
type ExecContext interface {
	// Send delivers one host message (raw JSON) to the guest.
	Send(ctx context.Context, raw []byte) error
	Close() error
}

// Capturer is implemented by execution contexts that render pixels.
type Capturer interface {
	WaitLoad(ctx context.Context) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// Compiler produces documents from app source.
type Compiler interface {
	Compile(ctx context.Context, appCode string) (*assembler.Document, error)
}

// Store is the synced state store a session bridges to.
type Store interface {
	Get(ctx context.Context, namespace string) (map[string]string, error)
	Set(ctx context.Context, namespace, key, valueJSON, origin string) error
	Subscribe(namespace string, fn func(syncstore.Change)) syncstore.Unsubscribe
}
