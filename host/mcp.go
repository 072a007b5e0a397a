package host

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/miniapp/compiler"
	"github.com/hazyhaar/miniapp/kit"
	"github.com/hazyhaar/miniapp/protocol"
)

// RegisterMCP registers the miniapp tools on an MCP server.
func (h *Host) RegisterMCP(srv *mcp.Server) {
	h.registerCompileTool(srv)
	h.registerScreenshotTool(srv)
	h.registerStateTool(srv)
	h.registerSessionsTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (h *Host) tool(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Logging(h.log, name)(ep)
}

// --- compile ---

type compileRequest struct {
	Source string `json:"source"`
}

type compileResult struct {
	OK        bool                `json:"ok"`
	Digest    string              `json:"digest,omitempty"`
	Externals []string            `json:"externals,omitempty"`
	Bytes     int                 `json:"bytes,omitempty"`
	Error     string              `json:"error,omitempty"`
	Locations []compiler.Location `json:"locations,omitempty"`
}

func (h *Host) registerCompileTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "miniapp_compile",
		Description: "Compile mini-app TSX source. Reports the document digest and external packages, or the compile errors with their locations.",
		InputSchema: inputSchema(map[string]any{
			"source": map[string]any{"type": "string", "description": "TSX source whose default export is the App component"},
		}, []string{"source"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*compileRequest)
		doc, err := h.Compile(ctx, r.Source)
		if err != nil {
			var ce *compiler.CompileError
			if errors.As(err, &ce) {
				return compileResult{Error: ce.Error(), Locations: ce.Locations}, nil
			}
			return nil, err
		}
		return compileResult{OK: true, Digest: doc.Digest, Externals: doc.Externals, Bytes: len(doc.HTML)}, nil
	}

	kit.RegisterMCPTool(srv, tool, h.tool(tool.Name, endpoint), kit.DecodeArgs[compileRequest])
}

// --- screenshot ---

func (h *Host) registerScreenshotTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "miniapp_screenshot",
		Description: "Render mini-app TSX source once and return a PNG of its first frame.",
		InputSchema: inputSchema(map[string]any{
			"source": map[string]any{"type": "string", "description": "TSX source"},
			"width":  map[string]any{"type": "integer", "description": "Viewport width (default 800)"},
			"height": map[string]any{"type": "integer", "description": "Viewport height (default 600)"},
		}, []string{"source"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		png, err := h.Screenshot(ctx, *req.(*ScreenshotRequest))
		if err != nil {
			return nil, err
		}
		return []mcp.Content{&mcp.ImageContent{Data: png, MIMEType: "image/png"}}, nil
	}

	kit.RegisterMCPTool(srv, tool, h.tool(tool.Name, endpoint), kit.DecodeArgs[ScreenshotRequest])
}

// --- state ---

type stateRequest struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key,omitempty"`
	Value     any    `json:"value,omitempty"`
}

func (h *Host) registerStateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "miniapp_state",
		Description: "Read a namespace's synced state. With key and value, first write that value; mounted sessions on the namespace receive it.",
		InputSchema: inputSchema(map[string]any{
			"namespace": map[string]any{"type": "string", "description": "Synced state namespace (a session id unless shared)"},
			"key":       map[string]any{"type": "string", "description": "Key to write"},
			"value":     map[string]any{"description": "JSON value to write"},
		}, []string{"namespace"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*stateRequest)
		if r.Key != "" {
			v, err := protocol.EncodeValue(r.Value)
			if err != nil {
				return nil, err
			}
			if err := h.SetState(ctx, r.Namespace, r.Key, v); err != nil {
				return nil, err
			}
		}
		return h.State(ctx, r.Namespace)
	}

	kit.RegisterMCPTool(srv, tool, h.tool(tool.Name, endpoint), kit.DecodeArgs[stateRequest])
}

// --- sessions ---

func (h *Host) registerSessionsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "miniapp_sessions",
		Description: "List mounted mini-app sessions with their status.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(context.Context, any) (any, error) {
		return h.Sessions(), nil
	}

	kit.RegisterMCPTool(srv, tool, h.tool(tool.Name, endpoint), kit.DecodeArgs[struct{}])
}
