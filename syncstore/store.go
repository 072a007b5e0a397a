// Package syncstore implements the synced state store: string keys mapped
// to JSON values, partitioned by namespace, with per-namespace change
// subscriptions.
//
// Values are carried as JSON text. Writing a value equal to the current one
// is a no-op: nothing is stored and no change is emitted. Every change
// records the origin that wrote it so a subscriber can recognise its own
// writes.
package syncstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Change is one applied write.
type Change struct {
	Namespace string
	Key       string
	ValueJSON string
	Origin    string
}

// ErrInvalidValue is returned by Set for text that is not JSON.
var ErrInvalidValue = errors.New("syncstore: value is not valid JSON")

// canonical compacts valueJSON so equal values compare equal regardless of
// whitespace.
func canonical(valueJSON string) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(valueJSON)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return buf.String(), nil
}

// Unsubscribe releases a subscription. Safe to call more than once.
type Unsubscribe func()

// subscribers is a namespace-keyed set of callbacks shared by both stores.
type subscribers struct {
	next int
	byNS map[string]map[int]func(Change)
}

func (s *subscribers) add(ns string, fn func(Change)) int {
	if s.byNS == nil {
		s.byNS = make(map[string]map[int]func(Change))
	}
	if s.byNS[ns] == nil {
		s.byNS[ns] = make(map[int]func(Change))
	}
	s.next++
	s.byNS[ns][s.next] = fn
	return s.next
}

func (s *subscribers) remove(ns string, id int) {
	delete(s.byNS[ns], id)
	if len(s.byNS[ns]) == 0 {
		delete(s.byNS, ns)
	}
}

func (s *subscribers) of(ns string) []func(Change) {
	out := make([]func(Change), 0, len(s.byNS[ns]))
	for _, fn := range s.byNS[ns] {
		out = append(out, fn)
	}
	return out
}
