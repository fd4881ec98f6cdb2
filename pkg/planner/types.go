package planner

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrPlannerUnavailable is returned when no action could be obtained from the oracle.
var ErrPlannerUnavailable = errors.New("planner unavailable")

// ReplyTool is the action name for a plain-text answer to the user.
const ReplyTool = "reply"

// Role identifies the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation history given to a planner.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Action is a single tool call chosen by a planner.
type Action struct {
	Name      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
	Rationale string          `json:"rationale,omitempty"`
}

// IsReply reports whether the action is the no-op plain-text reply.
func (a Action) IsReply() bool {
	return a.Name == ReplyTool
}

// ReplyAction builds a reply action carrying text.
func ReplyAction(text, rationale string) Action {
	input, _ := json.Marshal(map[string]string{"text": text})
	return Action{Name: ReplyTool, Input: input, Rationale: rationale}
}

// Planner returns the next action for a history.
type Planner interface {
	Plan(ctx context.Context, history []Message) (Action, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, history []Message) (Action, error)

func (f PlannerFunc) Plan(ctx context.Context, history []Message) (Action, error) {
	return f(ctx, history)
}

// LatestInstruction returns the content of the last user message.
func LatestInstruction(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i].Content
		}
	}
	return ""
}
