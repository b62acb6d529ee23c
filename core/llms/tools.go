package llms

import (
	"context"
	"encoding/json"
	"fmt"
)

// ParameterBase describes one tool parameter in the subset of JSON schema the
// model APIs understand.
type ParameterBase struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

type Tool struct {
	Name        string
	Description string
	Parameters  map[string]ParameterBase

	// Call executes the tool with the raw JSON arguments the model produced.
	Call func(ctx context.Context, arguments string) (string, error)
}

// NewTool builds a tool whose arguments are unmarshalled into P before the
// typed handler runs. Malformed arguments are reported as a tool error, not a
// panic.
func NewTool[P any](name, description string, parameters map[string]ParameterBase, call func(parameters P) (string, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  parameters,
		Call: func(_ context.Context, arguments string) (string, error) {
			var typedParameters P
			if arguments != "" {
				if err := json.Unmarshal([]byte(arguments), &typedParameters); err != nil {
					return "", fmt.Errorf("failed to parse tool arguments: %w", err)
				}
			}
			return call(typedParameters)
		},
	}
}

// NewToolWithContext is the context-aware variant of [NewTool] for handlers
// that perform cancellable work.
func NewToolWithContext[P any](name, description string, parameters map[string]ParameterBase, call func(ctx context.Context, parameters P) (string, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  parameters,
		Call: func(ctx context.Context, arguments string) (string, error) {
			var typedParameters P
			if arguments != "" {
				if err := json.Unmarshal([]byte(arguments), &typedParameters); err != nil {
					return "", fmt.Errorf("failed to parse tool arguments: %w", err)
				}
			}
			return call(ctx, typedParameters)
		},
	}
}
