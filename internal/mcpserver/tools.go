package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/tools"
)

// registerTools republishes every registry tool over MCP, with the
// parameter schema generated from the tool's declared params.
func registerTools(s *server.MCPServer, registry *tools.Registry, log *logger.Logger) {
	list := registry.Tools()
	for _, t := range list {
		s.AddTool(buildTool(t), toolHandler(registry, t.Name))
	}
	log.Info("Registered MCP tools", zap.Int("count", len(list)))
}

func buildTool(t *tools.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.Description)}
	for _, p := range t.Params {
		var popts []mcp.PropertyOption
		if p.Required {
			popts = append(popts, mcp.Required())
		}
		if p.Description != "" {
			popts = append(popts, mcp.Description(p.Description))
		}
		switch p.Type {
		case "number":
			opts = append(opts, mcp.WithNumber(p.Name, popts...))
		case "boolean":
			opts = append(opts, mcp.WithBoolean(p.Name, popts...))
		case "array":
			opts = append(opts, mcp.WithArray(p.Name, popts...))
		case "object":
			opts = append(opts, mcp.WithObject(p.Name, popts...))
		default:
			opts = append(opts, mcp.WithString(p.Name, popts...))
		}
	}
	return mcp.NewTool(t.Name, opts...)
}

// toolHandler adapts the registry envelope to MCP results. Tool
// failures become MCP tool errors, never protocol errors, so clients
// see the code and message rather than a dropped call.
func toolHandler(registry *tools.Registry, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := registry.Call(ctx, name, req.GetArguments())
		if res.IsError() {
			if len(res.Content) > 0 {
				return mcp.NewToolResultError(res.Content[0].Text), nil
			}
			msg, _ := res.Details["error"].(string)
			return mcp.NewToolResultError(msg), nil
		}
		if len(res.Content) > 0 {
			return mcp.NewToolResultText(res.Content[0].Text), nil
		}
		return mcp.NewToolResultText("{}"), nil
	}
}
