package llms

import (
	"time"

	"github.com/google/uuid"
)

type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleSystem    TurnRole = "system"
	TurnRoleAssistant TurnRole = "assistant"
	TurnRoleTool      TurnRole = "tool"
)

// Turn is a single conversation message. The role decides which optional
// fields are meaningful: assistant turns may carry tool calls, tool turns
// carry the response to a previously issued tool call.
type Turn struct {
	ID          string
	Role        TurnRole
	Content     string
	CreatedAt   time.Time
	LastUpdated time.Time

	// ToolCalls holds the pending tool requests of an assistant turn.
	ToolCalls []ToolCall

	// ToolID references the tool call a tool-role turn responds to.
	ToolID  string
	Success bool
	Output  *string
	Error   *string
}

func NewTurn(role TurnRole, content string) Turn {
	now := time.Now()
	return Turn{
		ID:          uuid.NewString(),
		Role:        role,
		Content:     content,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

type ToolCall struct {
	ID        string
	Type      string
	Name      string
	Arguments string

	Response *ToolCallResponse
}

type ToolCallResponse struct {
	Success bool
	Output  string
	Error   string
}
