package orchestrator

import (
	"context"
	"time"
)

// ProtocolCollaborator is the narrow shape of an external MCP-style tool
// call. It is modeled on github.com/mark3labs/mcp-go/client's CallTool
// signature (tool name + arguments in, structured content out) so any
// MCP client implementation can satisfy it without this package
// depending on the MCP transport itself.
type ProtocolCollaborator interface {
	Call(ctx context.Context, intent string, params map[string]any) (map[string]any, error)
}

// Cache is the subset of the context store the orchestrator needs: a
// normalized-key lookup and a TTL'd write.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}
