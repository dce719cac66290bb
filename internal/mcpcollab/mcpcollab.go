// Package mcpcollab implements orchestrator.ProtocolCollaborator over an
// MCP server connection: the hybrid mode's fallback path calls out to a
// real tool instead of failing the intent outright.
package mcpcollab

import (
	"context"
	"fmt"
	"log/slog"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"intentsbx/internal/orchestrator"
)

var _ orchestrator.ProtocolCollaborator = (*Collaborator)(nil)

// ServerConfig describes how to connect to the collaborator's MCP server.
type ServerConfig struct {
	Name      string
	Transport string // "stdio" | "sse" | "streamable_http"
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
}

// Collaborator calls a single MCP tool by intent name, translating each
// intent 1:1 onto a tool of the same name on the connected server.
type Collaborator struct {
	client mcpclient.MCPClient
	logger *slog.Logger
}

// Connect dials the MCP server named by cfg and performs the
// initialization handshake. The returned Collaborator owns the connection;
// call Close when the process shuts down.
func Connect(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*Collaborator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c, err := createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "intentsbx", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("MCP initialize for %q: %w", cfg.Name, err)
	}

	return &Collaborator{client: c, logger: logger}, nil
}

// Call invokes the MCP tool named intent with params and decodes its
// content back into a map, satisfying orchestrator.ProtocolCollaborator.
func (c *Collaborator) Call(ctx context.Context, intent string, params map[string]any) (map[string]any, error) {
	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = intent
	callReq.Params.Arguments = params

	result, err := c.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("MCP call to %s failed: %w", intent, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("MCP tool %s returned an error result: %s", intent, formatContent(result.Content))
	}

	return map[string]any{
		"output":        formatContent(result.Content),
		"content_items": len(result.Content),
	}, nil
}

// Close shuts down the MCP client connection.
func (c *Collaborator) Close() error {
	return c.client.Close()
}

func formatContent(content []mcp.Content) string {
	if len(content) == 0 {
		return ""
	}
	if tc, ok := mcp.AsTextContent(content[0]); ok {
		return tc.Text
	}
	return ""
}

func createClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http", "":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}
