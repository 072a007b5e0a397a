package compiler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

const counterApp = `import { useSyncedState } from "$";

export default function App() {
  const [count, setCount] = useSyncedState("counter", 0);
  return <button onClick={() => setCount(count + 1)}>{count}</button>;
}
`

func newCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := New(Config{CacheSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCompile_Deterministic(t *testing.T) {
	c := newCompiler(t)
	first, err := c.Compile(context.Background(), counterApp)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	// A second compiler shares no cache with the first.
	again, err := newCompiler(t).Compile(context.Background(), counterApp)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if first.HTML != again.HTML {
		t.Fatal("identical source produced different documents")
	}
	if !strings.Contains(first.HTML, `<script type="module">`) {
		t.Error("document has no module script")
	}
}

func TestCompile_CacheHit(t *testing.T) {
	c := newCompiler(t)
	a, err := c.Compile(context.Background(), counterApp)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Compile(context.Background(), counterApp)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("second compile should be served from cache")
	}
	if c.Cached() != 1 {
		t.Errorf("cached: got %d, want 1", c.Cached())
	}
}

func TestCompile_CacheBounded(t *testing.T) {
	c := newCompiler(t)
	for i := 0; i < 6; i++ {
		src := counterApp + strings.Repeat("\n", i)
		if _, err := c.Compile(context.Background(), src); err != nil {
			t.Fatal(err)
		}
	}
	if c.Cached() != 4 {
		t.Errorf("cached: got %d, want 4", c.Cached())
	}
}

func TestCompile_SyntaxError(t *testing.T) {
	c := newCompiler(t)
	_, err := c.Compile(context.Background(), "export default function App() { return <div>; }")
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want *CompileError", err)
	}
	if len(ce.Locations) == 0 {
		t.Fatal("expected at least one location")
	}
	if ce.Locations[0].File == "" || ce.Locations[0].Line == 0 {
		t.Errorf("location not populated: %+v", ce.Locations[0])
	}
	if ce.Error() == "" {
		t.Error("empty error text")
	}
	if c.Cached() != 0 {
		t.Error("failed compiles must not be cached")
	}
}

func TestCompile_UnresolvableImport(t *testing.T) {
	c := newCompiler(t)
	_, err := c.Compile(context.Background(), `import x from "lodash"; export default () => x;`)
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want *CompileError", err)
	}
	if !strings.Contains(ce.Error(), "lodash") {
		t.Errorf("error should name the specifier: %v", ce)
	}
}

func TestCompile_ConcurrentSameSource(t *testing.T) {
	c := newCompiler(t)
	var wg sync.WaitGroup
	docs := make([]string, 8)
	for i := range docs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.Compile(context.Background(), counterApp)
			if err != nil {
				t.Errorf("Compile: %v", err)
				return
			}
			docs[i] = d.Digest
		}()
	}
	wg.Wait()
	for _, d := range docs[1:] {
		if d != docs[0] {
			t.Fatal("concurrent compiles of one source disagree")
		}
	}
}

func TestCompile_CanceledContext(t *testing.T) {
	c := newCompiler(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Compile(ctx, counterApp+"\n// fresh"); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
