// Command miniapp compiles and renders mini-app sources locally.
//
// Usage:
//
//	miniapp compile app.tsx -o app.html
//	miniapp screenshot app.tsx -o app.png [-width 800 -height 600] [-remote ws://...]
//	miniapp watch app.tsx -o app.html
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/miniapp/assembler"
	"github.com/hazyhaar/miniapp/compiler"
	"github.com/hazyhaar/miniapp/sandbox"
	"github.com/hazyhaar/miniapp/screenshot"
	"github.com/hazyhaar/miniapp/sourcewatch"
)

const usage = `usage:
  miniapp compile <app.tsx> [-o out.html]
  miniapp screenshot <app.tsx> -o out.png [-width N -height N -remote URL]
  miniapp watch <app.tsx> -o out.html`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	out := fs.String("o", "", "output file (default: stdout for compile)")
	width := fs.Int("width", 800, "screenshot viewport width")
	height := fs.Int("height", 600, "screenshot viewport height")
	remote := fs.String("remote", "", "connect to a running Chrome (ws://...) instead of launching one")
	timeout := fs.Duration("timeout", 10*time.Second, "screenshot load and ready timeout")
	logLevel := fs.String("log-level", "warn", "log level: debug, info, warn, error")

	// Accept the source path before or after the flags.
	var path string
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		path, args = args[0], args[1:]
	}
	fs.Parse(args)
	if path == "" && fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comp, err := compiler.New(compiler.Config{Logger: logger})
	if err != nil {
		logger.Error("miniapp: fatal", "error", err)
		os.Exit(1)
	}

	switch cmd {
	case "compile":
		err = runCompile(ctx, comp, path, *out)
	case "screenshot":
		err = runScreenshot(ctx, logger, comp, path, *out, *remote, *width, *height, *timeout)
	case "watch":
		err = runWatch(ctx, logger, comp, path, *out)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		var ce *compiler.CompileError
		if errors.As(err, &ce) {
			printCompileError(ce)
		} else {
			logger.Error("miniapp: "+cmd, "error", err)
		}
		os.Exit(1)
	}
}

func runCompile(ctx context.Context, comp *compiler.Compiler, path, out string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, err := comp.Compile(ctx, string(src))
	if err != nil {
		return err
	}
	if out == "" {
		_, err = os.Stdout.WriteString(doc.HTML)
		return err
	}
	return os.WriteFile(out, []byte(doc.HTML), 0o644)
}

func runScreenshot(ctx context.Context, logger *slog.Logger, comp *compiler.Compiler, path, out, remote string, width, height int, timeout time.Duration) error {
	if out == "" {
		return errors.New("screenshot needs -o")
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rt, err := sandbox.NewBrowserRuntime(sandbox.BrowserConfig{RemoteURL: remote, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	png, err := screenshot.Capture(ctx, rt, comp, string(src), screenshot.Options{
		Width:        width,
		Height:       height,
		LoadTimeout:  timeout,
		ReadyTimeout: timeout,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(out, png, 0o644)
}

// runWatch recompiles on every change and rewrites out with the document,
// or with the error placard when the source does not compile.
func runWatch(ctx context.Context, logger *slog.Logger, comp *compiler.Compiler, path, out string) error {
	if out == "" {
		return errors.New("watch needs -o")
	}
	return sourcewatch.Watch(ctx, path, sourcewatch.Options{Logger: logger}, func(src string) {
		start := time.Now()
		html := ""
		doc, err := comp.Compile(ctx, src)
		var ce *compiler.CompileError
		switch {
		case errors.As(err, &ce):
			printCompileError(ce)
			html = assembler.ErrorDocument("Compile error", ce.Error())
		case err != nil:
			logger.Error("miniapp: compile", "error", err)
			return
		default:
			html = doc.HTML
			fmt.Fprintf(os.Stderr, "compiled %s (%s, %d externals) in %s\n", path, doc.Digest[:min(12, len(doc.Digest))], len(doc.Externals), time.Since(start).Round(time.Millisecond))
		}
		if err := os.WriteFile(out, []byte(html), 0o644); err != nil {
			logger.Error("miniapp: write", "path", out, "error", err)
		}
	})
}

func printCompileError(ce *compiler.CompileError) {
	if len(ce.Locations) == 0 {
		fmt.Fprintln(os.Stderr, ce.Error())
		return
	}
	for _, loc := range ce.Locations {
		fmt.Fprintf(os.Stderr, "%s:%d:%d: %s\n", loc.File, loc.Line, loc.Column, loc.Text)
	}
}
