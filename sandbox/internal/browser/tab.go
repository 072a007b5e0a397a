package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Origin is where guest documents are served from. It never reaches the
// network: the tab's request router answers it.
const Origin = "https://sandbox.miniapp.invalid/"

// TabOptions configures OpenDocument.
type TabOptions struct {
	HTML          string
	Width, Height int

	// Binding is the global function the guest calls with JSON payloads.
	Binding   string
	OnBinding func(payload string)

	// OnException receives uncaught guest exceptions.
	OnException func(text string)

	// NavigateTimeout bounds the initial navigation. Default: 30s.
	NavigateTimeout time.Duration
}

// Tab is one guest document in its own Chrome tab.
type Tab struct {
	Page *rod.Page

	mgr    *Manager
	router *rod.HijackRouter
	cancel context.CancelFunc
	once   sync.Once
}

// OpenDocument creates a tab, wires the binding and exception listeners,
// and navigates to the document. It returns once the document response is
// committed; use WaitLoad to wait for the load event.
func OpenDocument(ctx context.Context, mgr *Manager, opts TabOptions) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	mgr.tabs.Add(1)
	t := &Tab{Page: page, mgr: mgr, cancel: func() {}}

	if opts.Width > 0 && opts.Height > 0 {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.Width,
			Height:            opts.Height,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("browser: viewport: %w", err)
		}
	}

	t.router, err = serveDocument(page, opts.HTML, mgr.cfg.ResourceBlocking)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: request router: %w", err)
	}

	if opts.Binding != "" {
		if err := (proto.RuntimeAddBinding{Name: opts.Binding}).Call(page); err != nil {
			t.Close()
			return nil, fmt.Errorf("browser: add binding: %w", err)
		}
	}

	// Subscribed before navigation so the guest's first message is not lost.
	evCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	wait := page.Context(evCtx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name == opts.Binding && opts.OnBinding != nil {
				opts.OnBinding(e.Payload)
			}
		},
		func(e *proto.RuntimeExceptionThrown) {
			if opts.OnException != nil {
				opts.OnException(exceptionText(e.ExceptionDetails))
			}
		},
	)
	go wait()

	timeout := opts.NavigateTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	navCtx, navCancel := context.WithTimeout(ctx, timeout)
	defer navCancel()
	if err := page.Context(navCtx).Navigate(Origin); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate: %w", err)
	}
	return t, nil
}

// Dispatch delivers payload (JSON text) to the guest as a window message
// event.
func (t *Tab) Dispatch(ctx context.Context, payload string) error {
	_, err := t.Page.Context(ctx).Eval(
		`(s) => { window.dispatchEvent(new MessageEvent("message", { data: JSON.parse(s) })); }`,
		payload)
	if err != nil {
		return fmt.Errorf("browser: dispatch: %w", err)
	}
	return nil
}

// WaitLoad blocks until the document's load event.
func (t *Tab) WaitLoad(ctx context.Context) error {
	return t.Page.Context(ctx).WaitLoad()
}

// Screenshot captures the viewport as PNG.
func (t *Tab) Screenshot(ctx context.Context) ([]byte, error) {
	return t.Page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// Close closes the tab. Safe to call more than once.
func (t *Tab) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		if t.router != nil {
			t.router.Stop()
		}
		err = t.Page.Close()
		t.mgr.tabs.Add(-1)
	})
	return err
}

func exceptionText(d *proto.RuntimeExceptionDetails) string {
	if d == nil {
		return ""
	}
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}
