package bundler

import (
	"path"
	"strings"
)

// Request is one import to resolve.
type Request struct {
	Specifier string // as written in the import statement
	Importer  string // canonical path of the importing module, "" for the entry
}

// Resolution is what a Rule decides for a Request.
type Resolution struct {
	// Path is the canonical registered module path, or the specifier kept
	// verbatim when External is set.
	Path string
	// External leaves the import unresolved in the bundle; the assembled
	// document's import map satisfies it at load time.
	External bool
	// Package is recorded as a discovered external dependency when non-empty.
	Package string
}

// Rule claims a specifier or passes. Rules are consulted in order and the
// first claim wins.
type Rule interface {
	Resolve(req Request) (Resolution, bool)
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(req Request) (Resolution, bool)

// Resolve implements Rule.
func (f RuleFunc) Resolve(req Request) (Resolution, bool) { return f(req) }

// EntryRule claims the exact entry path.
type EntryRule struct{ Path string }

// Resolve implements Rule.
func (r EntryRule) Resolve(req Request) (Resolution, bool) {
	if req.Specifier == r.Path {
		return Resolution{Path: r.Path}, true
	}
	return Resolution{}, false
}

// VirtualRule claims exact matches against registered module paths.
type VirtualRule struct{ Modules map[string]string }

// Resolve implements Rule.
func (r VirtualRule) Resolve(req Request) (Resolution, bool) {
	if _, ok := r.Modules[req.Specifier]; ok {
		return Resolution{Path: req.Specifier}, true
	}
	return Resolution{}, false
}

// ExternalPrefixRule marks "<prefix><package>" imports as externally hosted
// and records the package name.
type ExternalPrefixRule struct{ Prefix string }

// Resolve implements Rule.
func (r ExternalPrefixRule) Resolve(req Request) (Resolution, bool) {
	pkg, ok := strings.CutPrefix(req.Specifier, r.Prefix)
	if !ok || pkg == "" {
		return Resolution{}, false
	}
	return Resolution{Path: req.Specifier, External: true, Package: pkg}, true
}

// FrameworkRule keeps the host UI framework (and its subpaths) external so
// the document's import map provides a single copy of it.
type FrameworkRule struct{ Packages []string }

// Resolve implements Rule.
func (r FrameworkRule) Resolve(req Request) (Resolution, bool) {
	for _, p := range r.Packages {
		if req.Specifier == p || strings.HasPrefix(req.Specifier, p+"/") {
			return Resolution{Path: req.Specifier, External: true}, true
		}
	}
	return Resolution{}, false
}

// RelativeRule resolves "./x" and "../x" against the importer, then tries
// the normalised path followed by each suffix.
type RelativeRule struct {
	Modules  map[string]string
	Suffixes []string
}

// Resolve implements Rule.
func (r RelativeRule) Resolve(req Request) (Resolution, bool) {
	spec := req.Specifier
	if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") {
		return Resolution{}, false
	}
	joined := path.Clean(path.Join(path.Dir(req.Importer), spec))
	if _, ok := r.Modules[joined]; ok {
		return Resolution{Path: joined}, true
	}
	for _, suffix := range r.Suffixes {
		if _, ok := r.Modules[joined+suffix]; ok {
			return Resolution{Path: joined + suffix}, true
		}
	}
	return Resolution{}, false
}

// DefaultSuffixes are tried, in order, for extensionless relative imports.
var DefaultSuffixes = []string{".tsx", ".ts", ".jsx", ".js"}

// DefaultRules returns the standard resolution order for a graph: entry,
// registered virtual modules, "npm:" externals, framework externals, then
// relative paths.
func DefaultRules(g Graph, framework []string) []Rule {
	return []Rule{
		EntryRule{Path: g.Entry},
		VirtualRule{Modules: g.Modules},
		ExternalPrefixRule{Prefix: ExternalPrefix},
		FrameworkRule{Packages: framework},
		RelativeRule{Modules: g.Modules, Suffixes: DefaultSuffixes},
	}
}

func resolve(rules []Rule, req Request) (Resolution, bool) {
	for _, r := range rules {
		if res, ok := r.Resolve(req); ok {
			return res, true
		}
	}
	return Resolution{}, false
}
