// Package assembler wraps a bundle into a standalone, loadable HTML
// document: an import map binding the UI framework and every discovered
// external package to pinned CDN URLs, the utility-CSS engine, and the
// bundle as a module script.
//
// Output is deterministic: identical inputs give byte-identical documents.
package assembler

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/miniapp/bundler"
)

//go:embed document.html.tmpl
var documentTmpl string

var docTemplate = template.Must(template.New("document").Parse(documentTmpl))

// DefaultStyleEngineURL is the browser build of the utility-CSS engine.
const DefaultStyleEngineURL = "https://cdn.jsdelivr.net/npm/@tailwindcss/browser@4"

// Framework pins the UI framework served through the import map.
type Framework struct {
	Name       string // e.g. "react"
	DOMPackage string // e.g. "react-dom"
	Version    string // e.g. "19.1.0"
	CDN        string // e.g. "https://esm.sh"
}

// DefaultFramework is React 19.1.0 from esm.sh.
var DefaultFramework = Framework{
	Name:       "react",
	DOMPackage: "react-dom",
	Version:    "19.1.0",
	CDN:        "https://esm.sh",
}

// Packages lists the bare packages the bundler must keep external.
func (f Framework) Packages() []string { return []string{f.Name, f.DOMPackage} }

// ImportMap builds the import map for the given externals. Keys are the
// framework, its JSX runtime, the DOM package prefix, and "npm:<pkg>" for
// each external. External packages are built against the pinned framework
// so a single framework instance is shared.
func (f Framework) ImportMap(externals []string) map[string]string {
	cdn := strings.TrimRight(f.CDN, "/")
	base := fmt.Sprintf("%s/%s@%s", cdn, f.Name, f.Version)
	imports := map[string]string{
		f.Name:                 base,
		f.Name + "/jsx-runtime": base + "/jsx-runtime",
		f.DOMPackage + "/":      fmt.Sprintf("%s/%s@%s/", cdn, f.DOMPackage, f.Version),
	}
	deps := fmt.Sprintf("?deps=%s@%s,%s@%s", f.Name, f.Version, f.DOMPackage, f.Version)
	for _, pkg := range externals {
		imports[bundler.ExternalPrefix+pkg] = cdn + "/" + pkg + deps
	}
	return imports
}

// Options configures Assemble.
type Options struct {
	Framework      Framework
	StyleEngineURL string
}

func (o *Options) defaults() {
	if o.Framework.Name == "" {
		o.Framework = DefaultFramework
	}
	if o.StyleEngineURL == "" {
		o.StyleEngineURL = DefaultStyleEngineURL
	}
}

// Document is an assembled, immutable executable document.
type Document struct {
	HTML      string
	ImportMap map[string]string
	Externals []string
	// Digest is the hex BLAKE2b-256 of HTML.
	Digest string
}

// Assemble wraps b into a Document.
func Assemble(b *bundler.Bundle, opts Options) (*Document, error) {
	if b == nil {
		return nil, fmt.Errorf("assembler: nil bundle")
	}
	opts.defaults()

	imports := opts.Framework.ImportMap(b.Externals)
	// encoding/json sorts map keys, which keeps the output stable.
	mapJSON, err := json.MarshalIndent(struct {
		Imports map[string]string `json:"imports"`
	}{imports}, "    ", "  ")
	if err != nil {
		return nil, fmt.Errorf("assembler: import map: %w", err)
	}

	var buf bytes.Buffer
	err = docTemplate.Execute(&buf, struct {
		StyleEngineURL string
		ImportMap      string
		Bundle         string
	}{
		StyleEngineURL: opts.StyleEngineURL,
		ImportMap:      "    " + string(mapJSON),
		Bundle:         b.Code,
	})
	if err != nil {
		return nil, fmt.Errorf("assembler: render: %w", err)
	}

	html := buf.String()
	return &Document{
		HTML:      html,
		ImportMap: imports,
		Externals: append([]string(nil), b.Externals...),
		Digest:    Digest([]byte(html)),
	}, nil
}

// Digest returns the hex BLAKE2b-256 of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
