package plugin

import (
	"context"
	"errors"
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Handshake is used to verify that the plugin and host are compatible
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "TOOLVAULT_PLUGIN",
	MagicCookieValue: "toolvault-tool-provider-v1",
}

// PluginMap is the map of plugins we can dispense
var PluginMap = map[string]plugin.Plugin{
	"provider": &ProviderRPCPlugin{},
}

// ProviderRPCPlugin is the implementation of plugin.Plugin for RPC
type ProviderRPCPlugin struct {
	Impl Provider
}

func (p *ProviderRPCPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &ProviderRPCServer{Impl: p.Impl}, nil
}

func (p *ProviderRPCPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &ProviderRPCClient{client: c}, nil
}

// ProviderRPCServer is the RPC server that ProviderRPCClient talks to
type ProviderRPCServer struct {
	Impl Provider
}

// DescribeResp is the response for a Describe RPC call
type DescribeResp struct {
	Info ToolInfo
	Err  string
}

func (s *ProviderRPCServer) Describe(args interface{}, resp *DescribeResp) error {
	info, err := s.Impl.Describe(context.Background())
	resp.Info = info
	resp.Err = errString(err)
	return nil
}

// ExecuteArgs are the arguments for an Execute RPC call
type ExecuteArgs struct {
	Args map[string]any
}

// ExecuteResp is the response for an Execute RPC call
type ExecuteResp struct {
	Result map[string]any
	Err    string
}

func (s *ProviderRPCServer) Execute(args *ExecuteArgs, resp *ExecuteResp) error {
	result, err := s.Impl.Execute(context.Background(), args.Args)
	resp.Result = result
	resp.Err = errString(err)
	return nil
}

func (s *ProviderRPCServer) Shutdown(args interface{}, resp *string) error {
	*resp = errString(s.Impl.Shutdown(context.Background()))
	return nil
}

// ProviderRPCClient is the RPC client that talks to ProviderRPCServer
type ProviderRPCClient struct {
	client *rpc.Client
}

func (c *ProviderRPCClient) Describe(ctx context.Context) (ToolInfo, error) {
	var resp DescribeResp
	if err := c.client.Call("Plugin.Describe", new(interface{}), &resp); err != nil {
		return ToolInfo{}, err
	}
	return resp.Info, errFromString(resp.Err)
}

func (c *ProviderRPCClient) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	var resp ExecuteResp
	if err := c.client.Call("Plugin.Execute", &ExecuteArgs{Args: args}, &resp); err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, errFromString(resp.Err)
	}
	return resp.Result, nil
}

func (c *ProviderRPCClient) Shutdown(ctx context.Context) error {
	var resp string
	if err := c.client.Call("Plugin.Shutdown", new(interface{}), &resp); err != nil {
		return err
	}
	return errFromString(resp)
}

// Errors cross the net/rpc boundary as strings; gob cannot carry
// arbitrary error implementations.
func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errFromString(s string) error {
	if s == "" {
		return nil
	}
	return errors.New(s)
}

// Serve starts serving a provider implementation from a plugin executable.
// Plugin binaries call this from their main function.
func Serve(impl Provider) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"provider": &ProviderRPCPlugin{Impl: impl},
		},
	})
}
