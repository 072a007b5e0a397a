// Package aigen provides the text generation providers behind the guest's
// AI streams.
//
// A Generator yields text chunks in arrival order. Iteration ends after the
// last chunk, or with a single non-nil error. Consumers stop early by
// returning false from yield or by cancelling ctx.
package aigen

import (
	"context"
	"errors"
	"iter"

	"github.com/hazyhaar/miniapp/protocol"
)

// Generator streams generated text for a request.
type Generator interface {
	StreamGenerate(ctx context.Context, req protocol.GenerateRequest) iter.Seq2[string, error]
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req protocol.GenerateRequest) iter.Seq2[string, error]

func (f GeneratorFunc) StreamGenerate(ctx context.Context, req protocol.GenerateRequest) iter.Seq2[string, error] {
	return f(ctx, req)
}

var (
	// ErrUnavailable is yielded when the provider is short-circuited.
	ErrUnavailable = errors.New("aigen: provider unavailable")

	// ErrNoAPIKey is returned when a provider needs a key and has none.
	ErrNoAPIKey = errors.New("aigen: no API key")
)

// Collect drains a stream into its chunks and the terminating error.
func Collect(seq iter.Seq2[string, error]) ([]string, error) {
	var out []string
	for chunk, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, chunk)
	}
	return out, nil
}
