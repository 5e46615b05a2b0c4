package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentBlockJSON(t *testing.T) {
	b := NewToolUseBlock("toolu_1", "get_logs", json.RawMessage(`{"pod":"cart"}`))
	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_use","id":"toolu_1","name":"get_logs","input":{"pod":"cart"}}`, string(data))

	r := NewToolResultBlock("toolu_1", "get_logs", "boom", true)
	data, err = json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_result","tool_use_id":"toolu_1","name":"get_logs","content":"boom","is_error":true}`, string(data))
}

func TestNewToolUseBlockNormalisesEmptyInput(t *testing.T) {
	assert.Equal(t, "{}", string(NewToolUseBlock("a", "b", nil).Input))
	assert.Equal(t, "{}", string(NewToolUseBlock("a", "b", json.RawMessage("null")).Input))
}

func TestConversation(t *testing.T) {
	c := NewConversation("diagnose cartservice")
	require.Equal(t, 1, c.Len())

	first, ok := c.Last()
	require.True(t, ok)
	assert.Equal(t, RoleUser, first.Role)
	assert.Equal(t, "diagnose cartservice", first.Text())

	c.Append(RoleAssistant, NewTextBlock("looking"), NewToolUseBlock("1", "get_logs", nil))
	c.Append(RoleUser, NewToolResultBlock("1", "get_logs", "ok", false))
	assert.Equal(t, 3, c.Len())

	msgs := c.Messages()
	msgs[0].Role = "mutated"
	assert.Equal(t, RoleUser, c.Messages()[0].Role, "Messages must return a copy")
}

func TestTokenUsageAdd(t *testing.T) {
	var u TokenUsage
	u.Add(&Usage{InputTokens: 10, OutputTokens: 5, CacheCreationTokens: IntPtr(3)})
	u.Add(nil)
	u.Add(&Usage{InputTokens: 1, OutputTokens: 2, CacheReadTokens: IntPtr(7)})

	assert.Equal(t, TokenUsage{Input: 11, Output: 7, CacheCreated: 3, CacheRead: 7, Total: 18}, u)
}

func TestRunIDContext(t *testing.T) {
	ctx := ContextWithRunID(t.Context(), "01HRUN")
	assert.Equal(t, "01HRUN", RunIDFromContext(ctx))
	assert.Equal(t, "", RunIDFromContext(t.Context()))
}
