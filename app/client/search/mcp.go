package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tutorgraph/app/config"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tmc/langchaingo/tools"
)

var _ tools.Tool = (*mcpTool)(nil)

// mcpTool exposes one tool of an MCP server as a langchaingo tool.
type mcpTool struct {
	client client.MCPClient
	tool   mcp.Tool
}

// ConnectMCP starts a stdio MCP server and wraps the configured tool.
func ConnectMCP(ctx context.Context, cfg config.MCPServer) (tools.Tool, func() error, error) {
	if cfg.Command == "" {
		return nil, nil, fmt.Errorf("mcp command is not configured")
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, nil, cfg.Args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	tool, err := initTool(ctx, mcpClient, cfg.Tool)
	if err != nil {
		_ = mcpClient.Close()
		return nil, nil, err
	}

	return tool, mcpClient.Close, nil
}

func initTool(ctx context.Context, mcpClient client.MCPClient, name string) (*mcpTool, error) {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "tutorgraph-search",
		Version: "1.0.0",
	}

	if _, err := mcpClient.Initialize(ctx, initRequest); err != nil {
		return nil, fmt.Errorf("failed to initialize MCP client: %w", err)
	}

	toolsResponse, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list MCP tools: %w", err)
	}

	for _, t := range toolsResponse.Tools {
		if name == "" || t.Name == name {
			return &mcpTool{client: mcpClient, tool: t}, nil
		}
	}

	return nil, fmt.Errorf("MCP tool %q not found", name)
}

func (m *mcpTool) Name() string {
	return "mcp_" + m.tool.Name
}

func (m *mcpTool) Description() string {
	return m.tool.Description
}

func (m *mcpTool) Call(ctx context.Context, input string) (string, error) {
	callRequest := mcp.CallToolRequest{
		Request: mcp.Request{
			Method: "tools/call",
		},
	}
	callRequest.Params.Name = m.tool.Name
	callRequest.Params.Arguments = arguments(m.tool.InputSchema, input)

	response, err := m.client.CallTool(ctx, callRequest)
	if err != nil {
		return "", fmt.Errorf("MCP tool call failed: %w", err)
	}

	var result strings.Builder
	for _, content := range response.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			result.WriteString(textContent.Text)
			result.WriteString("\n\n")
		}
	}

	if response.IsError {
		return "", fmt.Errorf("MCP tool error: %s", strings.TrimSpace(result.String()))
	}

	return strings.TrimSpace(result.String()), nil
}

// arguments maps a plain query onto the tool input schema. JSON objects
// are passed through; otherwise "query" is preferred, then the first
// required property.
func arguments(schema mcp.ToolInputSchema, input string) map[string]any {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "{") {
		var args map[string]any
		if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
			return args
		}
	}

	if _, ok := schema.Properties["query"]; ok {
		return map[string]any{"query": input}
	}

	if len(schema.Required) > 0 {
		return map[string]any{schema.Required[0]: input}
	}

	for propName := range schema.Properties {
		return map[string]any{propName: input}
	}

	return map[string]any{"input": input}
}
