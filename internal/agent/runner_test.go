package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/config"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/task"
)

func TestParseOutcome_Complete(t *testing.T) {
	out, err := ParseOutcome([]byte(`{"decision":"complete","summary":"archived the newsletter"}`))
	require.NoError(t, err)
	assert.Equal(t, task.DecisionComplete, out.Decision)
	assert.Equal(t, "archived the newsletter", out.Summary)
	assert.Nil(t, out.ActionRequest)
}

func TestParseOutcome_NeedsApproval(t *testing.T) {
	raw := `{
		"decision": "needs_approval",
		"summary": "customer asked for a refund confirmation",
		"action_request": {
			"action_type": "send_email",
			"params": {"to": "a@example.com", "subject": "Refund", "body": "Done."}
		}
	}`
	out, err := ParseOutcome([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, out.ActionRequest)
	assert.Equal(t, "send_email", out.ActionRequest.ActionType)
	assert.Equal(t, "a@example.com", out.ActionRequest.Params["to"])
}

func TestParseOutcome_JSONEmbeddedInProse(t *testing.T) {
	raw := "Sure! Here is my decision:\n```json\n" +
		`{"decision":"complete","summary":"done"}` +
		"\n```\nLet me know if you need anything else."
	out, err := ParseOutcome([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, task.DecisionComplete, out.Decision)
}

func TestParseOutcome_Invalid(t *testing.T) {
	cases := map[string]string{
		"no json":                   "I could not decide.",
		"bad decision":              `{"decision":"maybe"}`,
		"missing decision":          `{"summary":"x"}`,
		"approval without action":   `{"decision":"needs_approval","summary":"x"}`,
		"action without type":       `{"decision":"needs_approval","action_request":{"params":{}}}`,
	}
	for name, raw := range cases {
		_, err := ParseOutcome([]byte(raw))
		assert.ErrorIs(t, err, ErrBadOutcome, name)
	}
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON(`noise {"a":1} trailing`))
	assert.Equal(t, `{"a":{"b":2}}`, extractJSON(`{"a":{"b":2}}`))
	assert.Equal(t, `{"s":"has } brace"}`, extractJSON(`{"s":"has } brace"}`))
	assert.Equal(t, "", extractJSON("no object here"))
	assert.Equal(t, "", extractJSON(`{"unterminated":`))
}

func TestDecide_DryRun(t *testing.T) {
	r := NewRunner(t.TempDir(), config.AgentConfig{Command: "claude", TimeoutSec: 1}, true, nil, config.LogLevelError)

	doc := &task.Doc{ID: "email-1", Kind: task.KindEmail, Priority: task.PriorityNormal}
	out, err := r.Decide(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, task.DecisionComplete, out.Decision)
}

func TestDecide_CommandFailure(t *testing.T) {
	cfg := config.AgentConfig{Command: "/nonexistent/agent-binary", TimeoutSec: 2}
	r := NewRunner(t.TempDir(), cfg, false, nil, config.LogLevelError)

	doc := &task.Doc{ID: "email-1", Kind: task.KindEmail, Priority: task.PriorityNormal}
	_, err := r.Decide(context.Background(), doc)
	assert.Error(t, err)
}
