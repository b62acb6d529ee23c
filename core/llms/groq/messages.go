package groq

import (
	"github.com/koscakluka/aria-core/core/llms"
)

type message struct {
	Role       messageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall  `json:"tool_calls,omitempty"`
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
	messageRoleTool      messageRole = "tool"
)

type toolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func toMessages(instructions string, turns []llms.Turn) []message {
	messages := []message{}
	if instructions != "" {
		messages = append(messages, message{
			Role:    messageRoleSystem,
			Content: instructions,
		})
	}
	for _, turn := range turns {
		switch turn.Role {
		case llms.TurnRoleUser:
			messages = append(messages, message{Role: messageRoleUser, Content: turn.Content})
		case llms.TurnRoleSystem:
			messages = append(messages, message{Role: messageRoleSystem, Content: turn.Content})
		case llms.TurnRoleAssistant:
			msg := message{Role: messageRoleAssistant, Content: turn.Content}
			responseMsgs := []message{}
			for _, tCall := range turn.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, toolCall{
					ID:   tCall.ID,
					Type: "function",
					Function: toolCallFunction{
						Name:      tCall.Name,
						Arguments: tCall.Arguments,
					},
				})
				if tCall.Response != nil {
					content := tCall.Response.Output
					if !tCall.Response.Success {
						content = tCall.Response.Error
					}
					responseMsgs = append(responseMsgs, message{
						Role:       messageRoleTool,
						Content:    content,
						ToolCallID: tCall.ID,
					})
				}
			}
			messages = append(messages, msg)
			messages = append(messages, responseMsgs...)
		case llms.TurnRoleTool:
			content := ""
			if turn.Output != nil {
				content = *turn.Output
			}
			if !turn.Success && turn.Error != nil {
				content = *turn.Error
			}
			messages = append(messages, message{
				Role:       messageRoleTool,
				Content:    content,
				ToolCallID: turn.ToolID,
			})
		}
	}
	return messages
}
