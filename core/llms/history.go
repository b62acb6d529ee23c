package llms

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDuplicateTurnID  = errors.New("turn with this ID already exists")
	ErrUnknownToolCall  = errors.New("tool response references an unknown tool call")
	ErrNoAppendableTurn = errors.New("no appendable turn for this role")
	ErrInterruptedTurn  = errors.New("turn already annotated as interrupted")
)

const interruptionAnnotation = "…"

// History is an ordered conversation transcript. It is a single-writer
// structure: it must only be mutated from one plugin's effect loop, readers
// get copies.
type History struct {
	turns []Turn
}

func NewHistory(turns ...Turn) *History {
	return &History{turns: turns}
}

func (h *History) Turns() []Turn {
	turns := make([]Turn, len(h.turns))
	copy(turns, h.turns)
	return turns
}

func (h *History) Len() int { return len(h.turns) }

func (h *History) Append(turn Turn) error {
	for _, existing := range h.turns {
		if existing.ID == turn.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateTurnID, turn.ID)
		}
	}

	if turn.Role == TurnRoleTool {
		if !h.hasToolCall(turn.ToolID) {
			return fmt.Errorf("%w: %s", ErrUnknownToolCall, turn.ToolID)
		}
	}

	h.turns = append(h.turns, turn)
	return nil
}

// AppendContent concatenates a content chunk onto the most recent turn of the
// given role, creating that turn first when the most recent turn has a
// different role. Content is append-only within a turn.
func (h *History) AppendContent(role TurnRole, chunk string) {
	if last := h.lastTurn(); last == nil || last.Role != role || strings.HasSuffix(last.Content, interruptionAnnotation) {
		h.turns = append(h.turns, NewTurn(role, ""))
	}

	last := h.lastTurn()
	last.Content += chunk
	last.LastUpdated = time.Now()
}

// AppendUtterance appends text spoken as a separate utterance: when it
// extends an existing turn the two are joined with a space, unlike the raw
// concatenation of AppendContent.
func (h *History) AppendUtterance(role TurnRole, utterance string) {
	if last := h.lastTurn(); last != nil && last.Role == role &&
		last.Content != "" && !strings.HasSuffix(last.Content, interruptionAnnotation) {
		utterance = " " + utterance
	}
	h.AppendContent(role, utterance)
}

// AppendToolCalls records pending tool requests on the most recent assistant
// turn, creating one when necessary.
func (h *History) AppendToolCalls(toolCalls ...ToolCall) {
	if len(toolCalls) == 0 {
		return
	}

	if last := h.lastTurn(); last == nil || last.Role != TurnRoleAssistant {
		h.turns = append(h.turns, NewTurn(TurnRoleAssistant, ""))
	}

	last := h.lastTurn()
	last.ToolCalls = append(last.ToolCalls, toolCalls...)
	last.LastUpdated = time.Now()
}

// AnnotateInterruption marks the most recent turn of the given role as cut
// short. After annotation the turn is no longer appendable.
func (h *History) AnnotateInterruption(role TurnRole) error {
	last := h.lastTurn()
	if last == nil || last.Role != role {
		return ErrNoAppendableTurn
	}
	if strings.HasSuffix(last.Content, interruptionAnnotation) {
		return ErrInterruptedTurn
	}

	last.Content += interruptionAnnotation
	last.LastUpdated = time.Now()
	return nil
}

func (h *History) AddToolResponse(toolID string, success bool, output *string, responseErr *string) error {
	if !h.hasToolCall(toolID) {
		return fmt.Errorf("%w: %s", ErrUnknownToolCall, toolID)
	}

	turn := NewTurn(TurnRoleTool, "")
	turn.ToolID = toolID
	turn.Success = success
	turn.Output = output
	turn.Error = responseErr
	h.turns = append(h.turns, turn)
	return nil
}

func (h *History) hasToolCall(toolID string) bool {
	for _, turn := range h.turns {
		if turn.Role != TurnRoleAssistant {
			continue
		}
		for _, toolCall := range turn.ToolCalls {
			if toolCall.ID == toolID {
				return true
			}
		}
	}
	return false
}

func (h *History) lastTurn() *Turn {
	if len(h.turns) == 0 {
		return nil
	}
	return &h.turns[len(h.turns)-1]
}
