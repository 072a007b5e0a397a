package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/miniapp/assembler"
	"github.com/hazyhaar/miniapp/sandbox/internal/browser"
	"github.com/hazyhaar/miniapp/shim"
)

// BrowserConfig configures the headless Chrome runtime.
type BrowserConfig struct {
	// RemoteURL connects to a running Chrome instead of launching one.
	RemoteURL string
	// Bin is the Chrome binary for local launches.
	Bin string

	MemoryLimit     int64
	RecycleInterval time.Duration

	// ResourceBlocking lists resource types guests may not load.
	ResourceBlocking []string

	// Default viewport. Default: 1280x800.
	Width, Height int

	Logger *slog.Logger
}

// BrowserRuntime runs every execution context in its own Chrome tab.
type BrowserRuntime struct {
	mgr    *browser.Manager
	cfg    BrowserConfig
	cancel context.CancelFunc
}

// NewBrowserRuntime launches (or connects to) Chrome.
func NewBrowserRuntime(cfg BrowserConfig) (*BrowserRuntime, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1280, 800
	}
	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.RemoteURL,
		Bin:              cfg.Bin,
		MemoryLimit:      cfg.MemoryLimit,
		RecycleInterval:  cfg.RecycleInterval,
		ResourceBlocking: cfg.ResourceBlocking,
		Logger:           cfg.Logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := mgr.Start(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	return &BrowserRuntime{mgr: mgr, cfg: cfg, cancel: cancel}, nil
}

// Open loads doc into a new tab.
func (r *BrowserRuntime) Open(ctx context.Context, doc *assembler.Document, opts OpenOptions) (ExecContext, error) {
	w, h := opts.Width, opts.Height
	if w <= 0 || h <= 0 {
		w, h = r.cfg.Width, r.cfg.Height
	}

	// The binding listener delivers events in order on one goroutine.
	onMessage := opts.OnMessage
	tab, err := browser.OpenDocument(ctx, r.mgr, browser.TabOptions{
		HTML:    doc.HTML,
		Width:   w,
		Height:  h,
		Binding: shim.BindingName,
		OnBinding: func(payload string) {
			if onMessage != nil {
				onMessage([]byte(payload))
			}
		},
		OnException: func(text string) {
			if opts.OnGuestError != nil {
				opts.OnGuestError(text)
			} else {
				r.cfg.Logger.Warn("sandbox: uncaught guest exception", "error", text)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	return &browserContext{tab: tab}, nil
}

// OpenTabs reports how many execution contexts are live.
func (r *BrowserRuntime) OpenTabs() int64 { return r.mgr.OpenTabs() }

// Close shuts Chrome down.
func (r *BrowserRuntime) Close() error {
	r.cancel()
	return r.mgr.Close()
}

type browserContext struct {
	tab *browser.Tab
}

func (c *browserContext) Send(ctx context.Context, raw []byte) error {
	return c.tab.Dispatch(ctx, string(raw))
}

func (c *browserContext) WaitLoad(ctx context.Context) error { return c.tab.WaitLoad(ctx) }

func (c *browserContext) Screenshot(ctx context.Context) ([]byte, error) {
	return c.tab.Screenshot(ctx)
}

func (c *browserContext) Close() error { return c.tab.Close() }
