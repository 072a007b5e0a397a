package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/miniapp/idgen"
)

// MCPDecoder turns a tool call's arguments into an endpoint request.
type MCPDecoder func(*mcp.CallToolRequest) (any, error)

var mcpTrace = idgen.Prefixed("mcp_", idgen.UUIDv7())

// RegisterMCPTool exposes endpoint as an MCP tool.
//
// Each call runs with transport "mcp" and its own trace id, unless the
// caller's context already carries one. Image results ([]mcp.Content) are
// returned as they are; any other response is encoded as JSON text. Bad
// arguments and endpoint failures come back as tool errors so the agent
// can read them.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode MCPDecoder) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in, err := decode(req)
		if err != nil {
			return toolError(fmt.Errorf("%s: invalid arguments: %w", tool.Name, err)), nil
		}
		ctx = WithTransport(ctx, "mcp")
		if GetTraceID(ctx) == "" {
			ctx = WithTraceID(ctx, mcpTrace())
		}

		out, err := endpoint(ctx, in)
		if err != nil {
			return toolError(err), nil
		}
		switch v := out.(type) {
		case []mcp.Content:
			return &mcp.CallToolResult{Content: v}, nil
		case nil:
			out = struct{}{}
		}
		data, err := json.Marshal(out)
		if err != nil {
			return toolError(fmt.Errorf("%s: encode result: %w", tool.Name, err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}

// DecodeArgs decodes the arguments into a *T. Missing arguments give a zero T.
func DecodeArgs[T any](req *mcp.CallToolRequest) (any, error) {
	r := new(T)
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, r); err != nil {
			return nil, err
		}
	}
	return r, nil
}
