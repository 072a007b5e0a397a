package syncstore

import (
	"context"
	"maps"
	"sync"
)

// Memory is an in-process store. Callbacks run synchronously on the writer's
// goroutine, in write order; they must not block or call Set.
type Memory struct {
	mu     sync.Mutex
	data   map[string]map[string]string
	subs   subscribers
	notify sync.Mutex
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]string)}
}

// Get returns a copy of namespace's values.
func (m *Memory) Get(_ context.Context, namespace string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.data[namespace]), nil
}

// Set writes key. An equal value is not stored and emits nothing.
func (m *Memory) Set(_ context.Context, namespace, key, valueJSON, origin string) error {
	v, err := canonical(valueJSON)
	if err != nil {
		return err
	}

	m.notify.Lock()
	defer m.notify.Unlock()

	m.mu.Lock()
	ns := m.data[namespace]
	if ns == nil {
		ns = make(map[string]string)
		m.data[namespace] = ns
	}
	if cur, ok := ns[key]; ok && cur == v {
		m.mu.Unlock()
		return nil
	}
	ns[key] = v
	fns := m.subs.of(namespace)
	m.mu.Unlock()

	c := Change{Namespace: namespace, Key: key, ValueJSON: v, Origin: origin}
	for _, fn := range fns {
		fn(c)
	}
	return nil
}

// Subscribe calls fn for every change in namespace until unsubscribed.
func (m *Memory) Subscribe(namespace string, fn func(Change)) Unsubscribe {
	m.mu.Lock()
	id := m.subs.add(namespace, fn)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.subs.remove(namespace, id)
			m.mu.Unlock()
		})
	}
}
