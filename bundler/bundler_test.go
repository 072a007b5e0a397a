package bundler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testGraph(app string) Graph {
	return Graph{
		Entry: "index.tsx",
		Modules: map[string]string{
			"index.tsx": `import App from './app';
import { wrap } from '$';
export default wrap(App);
`,
			"$":       `export function wrap(x: any) { return x; }`,
			"app.tsx": app,
		},
	}
}

func TestBundle_ExternalsRecordedAndLeftUnresolved(t *testing.T) {
	svc := New(Config{})
	app := `import { MinusIcon } from "npm:lucide-react";
import { format } from "npm:date-fns";
import { PlusIcon } from "npm:lucide-react";
import React from "react";
export default function App() { return <div>{format}{MinusIcon}{PlusIcon}{React.version}</div>; }
`
	b, err := svc.Bundle(context.Background(), testGraph(app))
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if got, want := strings.Join(b.Externals, ","), "date-fns,lucide-react"; got != want {
		t.Errorf("Externals: got %q, want %q", got, want)
	}
	for _, spec := range []string{`"npm:lucide-react"`, `"npm:date-fns"`, `"react"`, `"react/jsx-runtime"`} {
		if !strings.Contains(b.Code, spec) {
			t.Errorf("bundle should keep import %s external", spec)
		}
	}
	if !strings.Contains(b.Code, "function wrap") {
		t.Error("virtual module $ should be inlined")
	}
}

func TestBundle_RelativeImportsAreInlined(t *testing.T) {
	svc := New(Config{})
	g := testGraph(`import { label } from "./util"; export default () => label;`)
	g.Modules["util.ts"] = `export const label = "from-util";`
	b, err := svc.Bundle(context.Background(), g)
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if !strings.Contains(b.Code, "from-util") {
		t.Error("relative module should be inlined")
	}
	if len(b.Externals) != 0 {
		t.Errorf("Externals: got %v, want none", b.Externals)
	}
}

func TestBundle_UnresolvableSpecifier(t *testing.T) {
	svc := New(Config{})
	_, err := svc.Bundle(context.Background(), testGraph(`import x from "lodash"; export default x;`))
	var be *BuildError
	if !errors.As(err, &be) {
		t.Fatalf("got %v, want *BuildError", err)
	}
	if !strings.Contains(err.Error(), "module not provided: lodash") {
		t.Errorf("error text: %q", err.Error())
	}
}

func TestBundle_SyntaxError(t *testing.T) {
	svc := New(Config{})
	_, err := svc.Bundle(context.Background(), testGraph(`export default function App( { return <div> }`))
	var be *BuildError
	if !errors.As(err, &be) {
		t.Fatalf("got %v, want *BuildError", err)
	}
	if len(be.Messages) == 0 {
		t.Error("expected esbuild messages")
	}
}

func TestBundle_Deterministic(t *testing.T) {
	svc := New(Config{})
	app := `import { useState } from "react"; import confetti from "npm:canvas-confetti";
export default function App() { const [n] = useState(0); return <p onClick={() => confetti()}>{n}</p>; }`
	a, err := svc.Bundle(context.Background(), testGraph(app))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := svc.Bundle(context.Background(), testGraph(app))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if a.Code != b.Code {
		t.Error("identical graphs produced different bundles")
	}
}

func TestBundle_MissingEntry(t *testing.T) {
	svc := New(Config{})
	_, err := svc.Bundle(context.Background(), Graph{Entry: "index.tsx", Modules: map[string]string{}})
	if err == nil {
		t.Fatal("expected error for missing entry")
	}
}

func TestInit_ConcurrentCallersShareOneInitialisation(t *testing.T) {
	var probes atomic.Int32
	release := make(chan struct{})
	svc := New(Config{probe: func() error {
		probes.Add(1)
		<-release
		return nil
	}})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.Init(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Init: %v", err)
		}
	}
	if got := probes.Load(); got != 1 {
		t.Errorf("probe calls: got %d, want 1", got)
	}
	if got := svc.Initialisations(); got != 1 {
		t.Errorf("Initialisations: got %d, want 1", got)
	}
}

func TestInit_FailureIsRetried(t *testing.T) {
	var calls atomic.Int32
	svc := New(Config{probe: func() error {
		if calls.Add(1) == 1 {
			return errors.New("toolchain unavailable")
		}
		return nil
	}})

	if err := svc.Init(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("first Init: got %v, want ErrNotReady", err)
	}
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("third Init: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("probe calls: got %d, want 2", got)
	}
}

func TestInit_ContextCancelledWhileWaiting(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svc := New(Config{probe: func() error { <-release; return nil }})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := svc.Init(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}
