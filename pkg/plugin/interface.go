package plugin

import (
	"context"
)

// Provider is the interface a tool plugin executable must implement.
// Each plugin binary provides exactly one tool; the descriptor's
// implementation pointer names the binary.
type Provider interface {
	// Describe returns the tool's name, description, and schemas
	Describe(ctx context.Context) (ToolInfo, error)

	// Execute runs the tool with the given arguments
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)

	// Shutdown is called before the plugin process is stopped
	Shutdown(ctx context.Context) error
}

// ToolInfo describes the tool a plugin provides.
type ToolInfo struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"inputSchema"`
	OutputSchema map[string]any `json:"outputSchema"`
}

// ProviderClient is the host-side handle for a running plugin.
type ProviderClient interface {
	Provider
}
