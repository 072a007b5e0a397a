package aigen

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/hazyhaar/miniapp/protocol"
)

// Scripted replays fixed chunks, then Err if set. It serves offline runs
// and tests.
type Scripted struct {
	Chunks []string
	Err    error
	// Delay is waited before each chunk.
	Delay time.Duration

	mu       sync.Mutex
	requests []protocol.GenerateRequest
}

// StreamGenerate replays the script.
func (s *Scripted) StreamGenerate(ctx context.Context, req protocol.GenerateRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		for _, c := range s.Chunks {
			if s.Delay > 0 {
				t := time.NewTimer(s.Delay)
				select {
				case <-ctx.Done():
					t.Stop()
					yield("", ctx.Err())
					return
				case <-t.C:
				}
			}
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if s.Err != nil {
			yield("", s.Err)
		}
	}
}

// Requests returns the requests received so far.
func (s *Scripted) Requests() []protocol.GenerateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.GenerateRequest(nil), s.requests...)
}
