package plugin

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"

	"github.com/sjadev/toolvault/pkg/tool"
)

// Host loads tool plugin executables and adapts them to the Tool contract.
type Host struct {
	logger zerolog.Logger
}

// NewHost creates a new plugin host
func NewHost(logger zerolog.Logger) *Host {
	return &Host{
		logger: logger.With().Str("component", "plugin-host").Logger(),
	}
}

// Load starts the plugin executable at path and returns the tool it provides.
// The returned tool owns the plugin process; Close stops it.
func (h *Host) Load(path string) (*PluginTool, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("plugin executable not found: %s", path)
	}

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(path),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to plugin: %w", err)
	}

	raw, err := rpcClient.Dispense("provider")
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense provider: %w", err)
	}

	provider, ok := raw.(ProviderClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected plugin type")
	}

	info, err := provider.Describe(context.Background())
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to describe plugin tool: %w", err)
	}

	h.logger.Info().
		Str("path", path).
		Str("tool", info.Name).
		Msg("Plugin loaded")

	return &PluginTool{
		info:     info,
		provider: provider,
		client:   client,
		path:     path,
	}, nil
}

// LoadTool loads a plugin executable and returns it as a Tool.
func (h *Host) LoadTool(path string) (tool.Tool, error) {
	return h.Load(path)
}

// PluginTool adapts a running plugin process to the Tool contract.
type PluginTool struct {
	info     ToolInfo
	provider ProviderClient
	client   *plugin.Client
	path     string
}

var _ tool.Tool = (*PluginTool)(nil)

func (p *PluginTool) Name() string                { return p.info.Name }
func (p *PluginTool) Description() string         { return p.info.Description }
func (p *PluginTool) InputSchema() map[string]any { return p.info.InputSchema }

func (p *PluginTool) OutputSchema() map[string]any { return p.info.OutputSchema }

// Path returns the plugin executable path backing this tool.
func (p *PluginTool) Path() string { return p.path }

func (p *PluginTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	result, err := p.provider.Execute(ctx, args)
	if err != nil {
		return nil, tool.NewExecutionError(p.info.Name, "plugin execution failed", err)
	}
	return result, nil
}

// Close shuts the provider down and kills the plugin process. Calls already
// dispatched against this instance complete before the process exits.
func (p *PluginTool) Close() error {
	err := p.provider.Shutdown(context.Background())
	p.client.Kill()
	return err
}
