// Package coretools provides the built-in tool types a descriptor may name
// instead of pointing at a plugin executable.
package coretools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sjadev/toolvault/pkg/tool"
)

// Options configures core tool registration.
type Options struct {
	// FileRoot bounds what the read_file type may touch. Empty disables it.
	FileRoot string
	// HTTPTimeout applies to every http_get call. Zero means 30s.
	HTTPTimeout time.Duration
}

// Register installs the built-in tool constructors: echo, time, read_file,
// and http_get. Descriptors select them through their type field and pass
// per-tool configuration in metadata.
func Register(builtins *tool.BuiltinRegistry, opts Options) error {
	if builtins == nil {
		return errors.New("builtin registry is required")
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}

	constructors := map[string]tool.Constructor{
		"echo":      echoConstructor,
		"time":      timeConstructor,
		"read_file": readFileConstructor(opts),
		"http_get":  httpGetConstructor(opts),
	}
	for tag, construct := range constructors {
		if err := builtins.RegisterType(tag, construct); err != nil {
			return fmt.Errorf("failed to register type %s: %w", tag, err)
		}
	}
	return nil
}

// funcTool adapts a closure to the tool interface.
type funcTool struct {
	name        string
	description string
	input       map[string]any
	output      map[string]any
	run         func(ctx context.Context, args map[string]any) (map[string]any, error)
}

func (f *funcTool) Name() string                 { return f.name }
func (f *funcTool) Description() string          { return f.description }
func (f *funcTool) InputSchema() map[string]any  { return f.input }
func (f *funcTool) OutputSchema() map[string]any { return f.output }

func (f *funcTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	return f.run(ctx, args)
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func echoConstructor(record tool.ConfigRecord) (tool.Tool, error) {
	description := record.Description
	if description == "" {
		description = "Echoes its arguments back"
	}
	return &funcTool{
		name:        record.Name,
		description: description,
		input:       objectSchema(map[string]any{}),
		output:      objectSchema(map[string]any{"args": map[string]any{"type": "object"}}),
		run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"args": args}, nil
		},
	}, nil
}

func timeConstructor(record tool.ConfigRecord) (tool.Tool, error) {
	description := record.Description
	if description == "" {
		description = "Returns the current server time"
	}
	return &funcTool{
		name:        record.Name,
		description: description,
		input:       objectSchema(map[string]any{}),
		output:      objectSchema(map[string]any{"now": map[string]any{"type": "string"}}),
		run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"now": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	}, nil
}

func readFileConstructor(opts Options) tool.Constructor {
	return func(record tool.ConfigRecord) (tool.Tool, error) {
		if opts.FileRoot == "" {
			return nil, errors.New("read_file tools require a configured file root")
		}
		root, err := filepath.Abs(opts.FileRoot)
		if err != nil {
			return nil, err
		}

		return &funcTool{
			name:        record.Name,
			description: record.Description,
			input: objectSchema(map[string]any{
				"path": map[string]any{"type": "string"},
			}, "path"),
			output: objectSchema(map[string]any{"content": map[string]any{"type": "string"}}),
			run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				rel, _ := args["path"].(string)
				if rel == "" {
					return nil, tool.NewExecutionError(record.Name, "path is required", nil)
				}
				full := filepath.Join(root, filepath.Clean("/"+rel))
				if !strings.HasPrefix(full, root+string(os.PathSeparator)) && full != root {
					return nil, tool.NewExecutionError(record.Name, "path escapes the file root", nil)
				}
				data, err := os.ReadFile(full)
				if err != nil {
					return nil, tool.NewExecutionError(record.Name, "failed to read file", err)
				}
				return map[string]any{"content": string(data)}, nil
			},
		}, nil
	}
}

func httpGetConstructor(opts Options) tool.Constructor {
	client := &http.Client{Timeout: opts.HTTPTimeout}

	return func(record tool.ConfigRecord) (tool.Tool, error) {
		baseRaw, _ := record.Metadata["base_url"].(string)
		if baseRaw == "" {
			return nil, errors.New("http_get tools require a base_url in metadata")
		}
		base, err := url.Parse(baseRaw)
		if err != nil {
			return nil, fmt.Errorf("invalid base_url: %w", err)
		}

		return &funcTool{
			name:        record.Name,
			description: record.Description,
			input: objectSchema(map[string]any{
				"path":  map[string]any{"type": "string"},
				"query": map[string]any{"type": "object"},
			}),
			output: objectSchema(map[string]any{
				"status": map[string]any{"type": "integer"},
				"body":   map[string]any{},
			}),
			run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				target := *base
				if rel, ok := args["path"].(string); ok && rel != "" {
					target.Path = strings.TrimSuffix(target.Path, "/") + "/" + strings.TrimPrefix(rel, "/")
				}
				if query, ok := args["query"].(map[string]any); ok {
					values := target.Query()
					for key, value := range query {
						values.Set(key, fmt.Sprint(value))
					}
					target.RawQuery = values.Encode()
				}

				req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
				if err != nil {
					return nil, tool.NewExecutionError(record.Name, "failed to build request", err)
				}
				resp, err := client.Do(req)
				if err != nil {
					return nil, tool.NewExecutionError(record.Name, "request failed", err)
				}
				defer resp.Body.Close()

				raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
				if err != nil {
					return nil, tool.NewExecutionError(record.Name, "failed to read response", err)
				}

				var body any
				if err := json.Unmarshal(raw, &body); err != nil {
					body = string(raw)
				}
				return map[string]any{"status": resp.StatusCode, "body": body}, nil
			},
		}, nil
	}
}
