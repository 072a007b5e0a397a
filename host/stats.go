package host

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/hazyhaar/miniapp/syncstore"
)

// Stats is a point-in-time view of the host.
type Stats struct {
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	Timestamp  time.Time `json:"timestamp"`
	Sessions   int       `json:"sessions"`
	Viewers    int       `json:"viewers"`
	Dropped    int64     `json:"events_dropped"`
	Goroutines int       `json:"goroutines"`
	MemAllocMB float64   `json:"mem_alloc_mb"`
	MemSysMB   float64   `json:"mem_sys_mb"`
	GCCount    uint32    `json:"gc_count"`

	CompileCache int              `json:"compile_cache"`
	BundlerInits int64            `json:"bundler_inits"`
	OpenContexts *int64           `json:"open_contexts,omitempty"`
	AIBreaker    string           `json:"ai_breaker,omitempty"`
	AIEnabled    bool             `json:"ai_enabled"`
	Store        *syncstore.Stats `json:"store,omitempty"`
}

// Stats collects runtime and component counters.
func (h *Host) Stats() Stats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	viewers := 0
	for _, id := range ids {
		viewers += h.hub.Subscribers(id)
	}

	st := Stats{
		Hostname:     hostname,
		PID:          os.Getpid(),
		Timestamp:    time.Now().UTC(),
		Sessions:     len(ids),
		Viewers:      viewers,
		Dropped:      h.hub.Dropped(),
		Goroutines:   runtime.NumGoroutine(),
		MemAllocMB:   float64(mem.Alloc) / 1024 / 1024,
		MemSysMB:     float64(mem.Sys) / 1024 / 1024,
		GCCount:      mem.NumGC,
		CompileCache: h.compiler.Cached(),
		BundlerInits: h.bundler.Initialisations(),
		AIEnabled:    h.generator != nil,
	}
	if rt, ok := h.runtime.(interface{ OpenTabs() int64 }); ok {
		n := rt.OpenTabs()
		st.OpenContexts = &n
	}
	if b, ok := h.generator.(interface{ State() string }); ok {
		st.AIBreaker = b.State()
	}
	if s, ok := h.store.(interface{ Stats() syncstore.Stats }); ok {
		ss := s.Stats()
		st.Store = &ss
	}
	return st
}

// Heartbeat logs Stats every interval until ctx ends, starting now.
func (h *Host) Heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st := h.Stats()
		h.log.Info("host: heartbeat",
			"sessions", st.Sessions,
			"viewers", st.Viewers,
			"events_dropped", st.Dropped,
			"goroutines", st.Goroutines,
			"mem_alloc_mb", st.MemAllocMB,
			"compile_cache", st.CompileCache,
			"ai_breaker", st.AIBreaker)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
