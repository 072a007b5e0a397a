package aigen

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"google.golang.org/genai"

	"github.com/hazyhaar/miniapp/protocol"
)

// DefaultModel is used when GeminiConfig.Model is empty.
const DefaultModel = "gemini-3-flash-preview"

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey string
	// Model replaces whatever model the guest asked for. Default: DefaultModel.
	Model  string
	Logger *slog.Logger
}

func (c *GeminiConfig) defaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Gemini streams from the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	cfg.defaults()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("aigen: gemini client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

// StreamGenerate streams the response text. Empty chunks are skipped.
func (g *Gemini) StreamGenerate(ctx context.Context, req protocol.GenerateRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		contents := toContents(req)
		if len(contents) == 0 {
			yield("", fmt.Errorf("aigen: gemini: empty request"))
			return
		}

		chunks := 0
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.cfg.Model, contents, nil) {
			if err != nil {
				g.cfg.Logger.Warn("aigen: gemini stream failed", "model", g.cfg.Model, "chunks", chunks, "error", err)
				yield("", fmt.Errorf("aigen: gemini: %w", err))
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			chunks++
			if !yield(text, nil) {
				return
			}
		}
		g.cfg.Logger.Debug("aigen: gemini stream done", "model", g.cfg.Model, "chunks", chunks)
	}
}

func toContents(req protocol.GenerateRequest) []*genai.Content {
	out := make([]*genai.Content, 0, len(req.Contents))
	for _, c := range req.Contents {
		parts := make([]*genai.Part, 0, len(c.Parts))
		for _, p := range c.Parts {
			parts = append(parts, &genai.Part{Text: p.Text})
		}
		role := c.Role
		if role != genai.RoleModel {
			role = genai.RoleUser
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}
