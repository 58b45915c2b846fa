package contextmgr

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushUserBufferBatchesFragments(t *testing.T) {
	cm := NewContextManager()
	cm.ResetSystemPrompt("be helpful")
	cm.AddMessage("task", "write the function")
	cm.AddMessage("task", "then add a test")

	require.NoError(t, cm.FlushUserBuffer(context.Background()))

	msgs := cm.GetMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "write the function")
	assert.Contains(t, msgs[1].Content, "then add a test")
}

func TestFlushUserBufferCarriesPendingToolResults(t *testing.T) {
	cm := NewContextManager()
	cm.ResetSystemPrompt("be helpful")
	cm.AddAssistantMessageWithTools("calling a tool", []ToolCall{{ID: "t1", Name: "echo"}})
	cm.AddToolResult("t1", "echo output", false)

	require.NoError(t, cm.FlushUserBuffer(context.Background()))

	msgs := cm.GetMessages()
	last := msgs[len(msgs)-1]
	require.Len(t, last.ToolResults, 1)
	assert.Equal(t, "t1", last.ToolResults[0].ToolCallID)
	assert.Equal(t, "echo output", last.ToolResults[0].Content)
}

func TestAddToolResultTruncatesHardLimit(t *testing.T) {
	cm := NewContextManagerWithModel("claude-sonnet-4-20250514")
	cm.AddToolResult("t1", strings.Repeat("x", MaxToolOutputChars+500), true)

	require.NoError(t, cm.FlushUserBuffer(context.Background()))
	msgs := cm.GetMessages()
	result := msgs[len(msgs)-1].ToolResults[0]
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "truncated")
	assert.Less(t, len(result.Content), MaxToolOutputChars+200)
}

func TestResetSystemPromptClearsHistory(t *testing.T) {
	cm := NewContextManager()
	cm.ResetSystemPrompt("v1")
	cm.AddAssistantMessage("some reply")
	cm.ResetSystemPrompt("v2")

	msgs := cm.GetMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "v2", msgs[0].Content)
}

func TestCompactDropsOldestConversation(t *testing.T) {
	cm := NewContextManager()
	cm.ResetSystemPrompt("system")
	for i := 0; i < 20; i++ {
		cm.AddAssistantMessage(strings.Repeat("filler ", 100))
	}
	before := cm.GetMessageCount()

	require.NoError(t, cm.Compact(2000))
	assert.Less(t, cm.GetMessageCount(), before)
	assert.Equal(t, "system", cm.GetMessages()[0].Content)
}

func TestEmptyBufferFallbackAddsUserTurn(t *testing.T) {
	cm := NewContextManager()
	cm.ResetSystemPrompt("system")

	require.NoError(t, cm.FlushUserBuffer(context.Background()))
	msgs := cm.GetMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[1].Role)
}
