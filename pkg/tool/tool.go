package tool

import (
	"context"
	"fmt"
)

// Tool is the capability contract implemented by every tool, built-in or
// plugin-backed. The registry consumes this interface and never defines
// concrete tools itself.
type Tool interface {
	// Name returns the unique tool name
	Name() string

	// Description returns a human-readable description
	Description() string

	// InputSchema returns the JSON Schema for tool arguments
	InputSchema() map[string]any

	// OutputSchema returns the JSON Schema for tool results
	OutputSchema() map[string]any

	// Execute runs the tool with the given arguments
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// ExecutionError is the typed failure raised by a tool execution.
type ExecutionError struct {
	Tool    string
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Message, e.Err)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError creates a typed execution failure for a tool.
func NewExecutionError(tool, message string, err error) *ExecutionError {
	return &ExecutionError{Tool: tool, Message: message, Err: err}
}
