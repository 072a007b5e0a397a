package host

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/miniapp/sandbox"
)

// subscriberBuffer is the per-subscriber backlog. A subscriber that falls
// further behind loses events.
const subscriberBuffer = 64

// Hub fans session events out to subscribers (websocket viewers).
type Hub struct {
	log *slog.Logger

	mu      sync.Mutex
	subs    map[string]map[*subscriber]struct{}
	dropped atomic.Int64
}

type subscriber struct {
	ch chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{log: logger, subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe returns a channel of JSON-encoded events for session. The
// channel is closed when the session is unmounted or cancel is called.
func (h *Hub) Subscribe(session string) (<-chan []byte, func()) {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	set := h.subs[session]
	if set == nil {
		set = make(map[*subscriber]struct{})
		h.subs[session] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[session]; ok {
				if _, ok := set[sub]; ok {
					delete(set, sub)
					close(sub.ch)
				}
				if len(set) == 0 {
					delete(h.subs, session)
				}
			}
		})
	}
}

// Publish delivers e to the session's subscribers without blocking.
func (h *Hub) Publish(e sandbox.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error("host: encode event", "type", e.Type, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[e.Session] {
		select {
		case sub.ch <- data:
		default:
			h.dropped.Add(1)
			h.log.Debug("host: event dropped, subscriber saturated", "session", e.Session, "type", e.Type)
		}
	}
}

// Dropped counts events lost to saturated subscribers since start.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Subscribers counts subscribers of session.
func (h *Hub) Subscribers(session string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[session])
}

// CloseSession ends every subscription to session.
func (h *Hub) CloseSession(session string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[session] {
		close(sub.ch)
	}
	delete(h.subs, session)
}
