// Package compiler turns app source into an assembled document: it builds
// the entry/runtime/app graph, bundles it and assembles the result.
//
// Documents are cached by a BLAKE2b key over the source and the assembly
// options, and concurrent compiles of the same key share one build.
package compiler

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/miniapp/assembler"
	"github.com/hazyhaar/miniapp/bundler"
	"github.com/hazyhaar/miniapp/shim"
)

// Location is a position inside the compiled graph.
type Location struct {
	File   string
	Line   int
	Column int
	Text   string
}

// CompileError is a resolution, syntax or toolchain failure. Its Error text
// is what an embedding UI displays.
type CompileError struct {
	Locations []Location
	Err       error
}

func (e *CompileError) Error() string { return e.Err.Error() }
func (e *CompileError) Unwrap() error { return e.Err }

// Config configures a Compiler.
type Config struct {
	// Bundler is shared across compilers. Default: a fresh service.
	Bundler *bundler.Service

	Assembler assembler.Options

	// CacheSize bounds the document cache. Default: 64.
	CacheSize int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Bundler == nil {
		c.Bundler = bundler.New(bundler.Config{
			Framework: c.frameworkPackages(),
			Logger:    c.Logger,
		})
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 64
	}
}

func (c *Config) frameworkPackages() []string {
	if c.Assembler.Framework.Name == "" {
		return assembler.DefaultFramework.Packages()
	}
	return c.Assembler.Framework.Packages()
}

// Compiler compiles app source to documents.
type Compiler struct {
	cfg    Config
	cache  *lru.Cache[string, *assembler.Document]
	flight singleflight.Group
}

// New creates a Compiler.
func New(cfg Config) (*Compiler, error) {
	cfg.defaults()
	cache, err := lru.New[string, *assembler.Document](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("compiler: cache: %w", err)
	}
	return &Compiler{cfg: cfg, cache: cache}, nil
}

// Compile returns the document for appCode. Failures other than ctx ending
// are *CompileError.
func (c *Compiler) Compile(ctx context.Context, appCode string) (*assembler.Document, error) {
	key := c.key(appCode)
	if doc, ok := c.cache.Get(key); ok {
		return doc, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := c.flight.DoChan(key, func() (any, error) {
		// Detached from any single caller: a shared build outlives the
		// caller that started it.
		return c.compile(context.WithoutCancel(ctx), appCode, key)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*assembler.Document), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Compiler) compile(ctx context.Context, appCode, key string) (*assembler.Document, error) {
	start := time.Now()
	b, err := c.cfg.Bundler.Bundle(ctx, bundler.Graph{Entry: shim.EntryPath, Modules: shim.Modules(appCode)})
	if err != nil {
		c.cfg.Logger.Debug("compiler: compile failed", "error", err)
		return nil, newCompileError(err)
	}
	doc, err := assembler.Assemble(b, c.cfg.Assembler)
	if err != nil {
		return nil, &CompileError{Err: err}
	}
	c.cache.Add(key, doc)
	c.cfg.Logger.Debug("compiler: compiled",
		"externals", len(doc.Externals),
		"bytes", len(doc.HTML),
		"duration", time.Since(start))
	return doc, nil
}

func newCompileError(err error) *CompileError {
	ce := &CompileError{Err: err}
	var be *bundler.BuildError
	if errors.As(err, &be) {
		for _, m := range be.Messages {
			loc := Location{Text: m.Text}
			if m.Location != nil {
				loc.File = m.Location.File
				loc.Line = m.Location.Line
				loc.Column = m.Location.Column
			}
			ce.Locations = append(ce.Locations, loc)
		}
	}
	return ce
}

// key hashes everything that changes the produced document.
func (c *Compiler) key(appCode string) string {
	h, _ := blake2b.New256(nil)
	fw := c.cfg.Assembler.Framework
	for _, part := range []string{fw.Name, fw.DOMPackage, fw.Version, fw.CDN, c.cfg.Assembler.StyleEngineURL, appCode} {
		fmt.Fprintf(h, "%d:%s", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Cached reports how many documents the cache holds.
func (c *Compiler) Cached() int { return c.cache.Len() }
