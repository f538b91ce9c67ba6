// Package tools holds the tool registry, argument validation and the intent
// execution engine.
package tools

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnknownTool   = errors.New("tool is not registered")
	ErrInvalidArgs   = errors.New("invalid tool arguments")
	ErrToolNameEmpty = errors.New("tool name is empty")
	ErrNilHandler    = errors.New("tool handler is nil")
)

// MaxIntents caps the number of intents executed from one plan.
const MaxIntents = 7

// Error types reported in ToolError.Type.
const (
	ErrTypeUnknownTool = "unknown_tool"
	ErrTypeInvalidArgs = "invalid_args"
	ErrTypeExecution   = "execution_error"
	ErrTypeTimeout     = "timeout"
	ErrTypePanic       = "panic"
	ErrTypeQueueFull   = "queue_full"
)

// Handler executes one tool call with validated arguments.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool is a named capability with a JSON-schema-like argument contract.
type Tool struct {
	Name                 string
	Description          string
	ArgsSchema           map[string]any
	RequiresConfirmation bool
	Run                  Handler
}

// Info is the catalogue view of a tool.
type Info struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	ArgsSchema           map[string]any `json:"args_schema,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation,omitempty"`
}

// Runner runs a tool by name. Registry runs in-process; the worker pool runs on its workers.
type Runner interface {
	Run(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// Intent is one step of a plan.
type Intent struct {
	Tool            string         `json:"tool"`
	Args            map[string]any `json:"args,omitempty"`
	ContinueOnError bool           `json:"continue_on_error,omitempty"`
}

// ToolError is a tool failure carried as data across process boundaries.
type ToolError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string { return fmt.Sprintf("%s: %s", e.Type, e.Message) }

// NewToolError builds a ToolError of the given type.
func NewToolError(typ, format string, args ...any) *ToolError {
	return &ToolError{Type: typ, Message: fmt.Sprintf(format, args...)}
}

// AsToolError classifies any error into a ToolError.
func AsToolError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, ErrUnknownTool):
		return &ToolError{Type: ErrTypeUnknownTool, Message: err.Error()}
	case errors.Is(err, ErrInvalidArgs):
		return &ToolError{Type: ErrTypeInvalidArgs, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &ToolError{Type: ErrTypeTimeout, Message: err.Error()}
	default:
		return &ToolError{Type: ErrTypeExecution, Message: err.Error()}
	}
}
