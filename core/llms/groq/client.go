package groq

import (
	"context"
	"slices"

	"github.com/jinzhu/copier"
	"github.com/koscakluka/aria-core/core/llms"
)

const (
	url = "https://api.groq.com/openai/v1/chat/completions"

	endMessage  = "[DONE]"
	chunkPrefix = "data:"

	defaultModel = "llama-3.3-70b-versatile"
)

type Client struct {
	apiKey string
	model  string
	tools  []llms.Tool
}

type ClientOption func(*Client)

func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithBaseTools registers tools offered on every prompt, in addition to any
// passed per call.
func WithBaseTools(tools ...llms.Tool) ClientOption {
	return func(c *Client) { c.tools = append(c.tools, tools...) }
}

func NewClient(apiKey string, opts ...ClientOption) *Client {
	client := &Client{apiKey: apiKey, model: defaultModel}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// PromptWithStream prepares a streaming completion. The request is not sent
// until the returned stream's chunks are iterated.
func (c *Client) PromptWithStream(_ context.Context, prompt *string, opts ...llms.StreamingPromptOption) llms.Stream {
	options := llms.StreamingPromptOptions{
		Tools: slices.Clone(c.tools),
	}
	for _, opt := range opts {
		opt(&options)
	}

	messages := toMessages(options.Instructions, options.Turns)
	if prompt != nil {
		messages = append(messages, message{
			Role:    messageRoleUser,
			Content: *prompt,
		})
	}

	return &Stream{
		apiKey:   c.apiKey,
		model:    c.model,
		tools:    toTools(options.Tools),
		messages: messages,
	}
}

// Tool is the wire shape of a tool definition.
type Tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  toolParameters `json:"parameters"`
}

type toolParameters struct {
	Type       string                        `json:"type"`
	Properties map[string]llms.ParameterBase `json:"properties"`
	Required   []string                      `json:"required"`
}

func toTools(tools []llms.Tool) []Tool {
	var converted []Tool
	for _, tool := range tools {
		properties := map[string]llms.ParameterBase{}
		copier.CopyWithOption(&properties, tool.Parameters, copier.Option{DeepCopy: true})

		required := make([]string, 0, len(properties))
		for name := range properties {
			required = append(required, name)
		}
		slices.Sort(required)

		converted = append(converted, Tool{
			Type: "function",
			Function: toolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters: toolParameters{
					Type:       "object",
					Properties: properties,
					Required:   required,
				},
			},
		})
	}
	return converted
}
