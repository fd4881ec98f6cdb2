package planner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicRules(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantTool  string
		wantInput string
		confident bool
	}{
		{"open url", "open https://example.com", "browser_open", `{"url":"https://example.com"}`, true},
		{"open bare domain", "Open example.com/docs.", "browser_open", `{"url":"https://example.com/docs"}`, true},
		{"open file name reads it", "open settings.json", "read_file", `{"path":"settings.json"}`, true},
		{"open domain with path", "open docs.example.md/guide", "browser_open", `{"url":"https://docs.example.md/guide"}`, true},
		{"open non url falls through", "open the pod bay doors", "reply", `{"text":"open the pod bay doors"}`, false},
		{"currency amount", "100 USD to EUR", "fetch_rate", `{"amount":100,"from":"USD","to":"EUR"}`, true},
		{"currency convert", "convert 5 eur into jpy", "fetch_rate", `{"amount":5,"from":"EUR","to":"JPY"}`, true},
		{"currency decimal comma", "how much is 2,5 gbp in usd", "fetch_rate", `{"amount":2.5,"from":"GBP","to":"USD"}`, true},
		{"currency slash rate", "what is the USD/EUR rate?", "fetch_rate", `{"amount":1,"from":"USD","to":"EUR"}`, true},
		{"non currency codes", "put 3 cat in box", "reply", `{"text":"put 3 cat in box"}`, false},
		{"fetch", "fetch https://example.com/a.json", "fetch_url", `{"url":"https://example.com/a.json"}`, true},
		{"download", "download https://example.com/file.txt.", "fetch_url", `{"url":"https://example.com/file.txt"}`, true},
		{"read file", "read file notes/todo.md", "read_file", `{"path":"notes/todo.md"}`, true},
		{"read the file quoted", "read the file 'a.txt'", "read_file", `{"path":"a.txt"}`, true},
		{"draw", "draw a red fox in the snow", "generate_image", `{"prompt":"a red fox in the snow"}`, true},
		{"generate image", "generate an image of a lighthouse at dusk.", "generate_image", `{"prompt":"a lighthouse at dusk"}`, true},
		{"question mark", "golang release cycle?", "web_search", `{"query":"golang release cycle"}`, true},
		{"question word", "who wrote the go memory model", "web_search", `{"query":"who wrote the go memory model"}`, true},
		{"fallback", "thanks, that is all", "reply", `{"text":"thanks, that is all"}`, false},
		{"risky fallback", "delete all files", "reply", `{"text":"delete all files"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, confident := Heuristic{}.Classify(tt.input)
			assert.Equal(t, tt.wantTool, action.Name)
			assert.JSONEq(t, tt.wantInput, string(action.Input))
			assert.Equal(t, tt.confident, confident)
			assert.NotEmpty(t, action.Rationale)
		})
	}
}

func TestHeuristicRuleOrderOpenBeforeQuestion(t *testing.T) {
	action, _ := Heuristic{}.Classify("open https://example.com?")
	assert.Equal(t, "browser_open", action.Name)
}

func TestHeuristicPlanUsesLatestUserMessage(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: "open https://example.com"},
		{Role: RoleTool, Content: "Tool browser_open succeeded: {}"},
		{Role: RoleUser, Content: "read file a.txt"},
		{Role: RoleTool, Content: "Tool read_file FAILED: boom"},
	}
	action, err := Heuristic{}.Plan(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, "read_file", action.Name)
}

func TestHeuristicDeterministic(t *testing.T) {
	a1, _ := Heuristic{}.Classify("convert 5 eur into jpy")
	a2, _ := Heuristic{}.Classify("convert 5 eur into jpy")
	assert.Equal(t, a1, a2)
}

func TestHeuristicEmptyHistory(t *testing.T) {
	action, err := Heuristic{}.Plan(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, action.IsReply())
	var in map[string]string
	require.NoError(t, json.Unmarshal(action.Input, &in))
	assert.Equal(t, "", in["text"])
}
