// Package contextmgr manages the rolling LLM conversation window consumed by
// the ReAct executor (internal/reactexec): token-aware truncation, sliding
// window compaction, and tool-result batching ahead of each completion call.
package contextmgr

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message represents a single message in the conversation context.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type Message struct {
	Role        string
	Content     string
	Provenance  string // Source of content: "system-prompt", "tool-shell", "react-observation", etc.
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Fragment represents a piece of buffered content with provenance tracking.
type Fragment struct {
	Timestamp  time.Time
	Provenance string
	Content    string
}

// ToolCall represents a structured tool call from the LLM.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type ToolCall struct {
	ID         string
	Name       string
	Parameters map[string]any
}

// ToolResult represents a structured tool execution result.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ContextManagerInterface is the contract the ReAct executor and LLM client
// adapters drive the conversation window through.
type ContextManagerInterface interface {
	SystemPrompt() *Message
	Conversation() []Message
	ResetSystemPrompt(content string)
	Append(provenance, content string)
	Compact(maxTokens int) error
	CountTokens() int
	Clear()
	GetMessages() []Message
	FlushUserBuffer(ctx context.Context) error
}

// LLMContextManager extends ContextManagerInterface with the one method LLM
// client implementations are allowed to call directly.
type LLMContextManager interface {
	ContextManagerInterface
	AddAssistantMessage(content string)
}

// modelLimits gives conservative context/reply token budgets per model
// family. Unknown models fall back to defaultMaxContext/defaultMaxReply.
var modelLimits = map[string]struct{ maxContext, maxReply int }{
	"claude": {200000, 8192},
	"gpt":    {128000, 4096},
	"o3":     {128000, 100000},
	"gemini": {1000000, 8192},
}

const (
	defaultMaxContext = 32000
	defaultMaxReply   = 4096
	compactionBuffer  = 2000
	// MaxToolOutputChars is the hard limit for tool output before context-aware truncation.
	MaxToolOutputChars = 2000
)

// ContextManager manages conversation context and token counting. Each
// instance is owned by a single agent goroutine, so no synchronization is
// needed.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type ContextManager struct {
	messages           []Message
	userBuffer         []Fragment
	modelName          string
	currentTemplate    string
	pendingToolCalls   []ToolCall
	pendingToolResults []ToolResult
}

// NewContextManager creates a new context manager instance.
func NewContextManager() *ContextManager {
	return &ContextManager{messages: make([]Message, 0), userBuffer: make([]Fragment, 0)}
}

// NewContextManagerWithModel creates a context manager with a model name
// used to pick token limits.
func NewContextManagerWithModel(modelName string) *ContextManager {
	return &ContextManager{messages: make([]Message, 0), userBuffer: make([]Fragment, 0), modelName: modelName}
}

// AddMessage stores a provenance/content pair in the user buffer for later
// flushing into a single user turn.
func (cm *ContextManager) AddMessage(provenance, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	provenance = strings.TrimSpace(provenance)
	if provenance == "" {
		provenance = "unknown"
	}
	content = cm.truncateOutputIfNeeded(strings.TrimSpace(content))
	cm.userBuffer = append(cm.userBuffer, Fragment{Provenance: provenance, Content: content, Timestamp: time.Now()})
}

// SystemPrompt returns the system prompt (always index 0).
func (cm *ContextManager) SystemPrompt() *Message {
	if len(cm.messages) == 0 {
		return nil
	}
	return &cm.messages[0]
}

// Conversation returns the rolling conversation window (index 1+).
func (cm *ContextManager) Conversation() []Message {
	if len(cm.messages) <= 1 {
		return []Message{}
	}
	conversation := make([]Message, len(cm.messages)-1)
	copy(conversation, cm.messages[1:])
	return conversation
}

// ResetSystemPrompt sets a new system prompt, clearing conversation history.
func (cm *ContextManager) ResetSystemPrompt(content string) {
	cm.messages = []Message{{Role: "system", Content: strings.TrimSpace(content), Provenance: "system-prompt"}}
	cm.userBuffer = cm.userBuffer[:0]
}

// Append adds a message to the conversation with specified provenance.
func (cm *ContextManager) Append(provenance, content string) {
	cm.AddMessage(provenance, content)
}

// Compact performs context compaction against an explicit token target.
func (cm *ContextManager) Compact(maxTokens int) error {
	return cm.performCompaction(maxTokens)
}

// CountTokens returns a character-length proxy for token count.
func (cm *ContextManager) CountTokens() int {
	total := 0
	for i := range cm.messages {
		total += len(cm.messages[i].Role) + len(cm.messages[i].Content)
	}
	for i := range cm.userBuffer {
		total += len(cm.userBuffer[i].Content)
	}
	return total
}

// CompactIfNeeded performs context compaction if the conversation is
// approaching this model's context limit.
func (cm *ContextManager) CompactIfNeeded() error {
	currentTokens := cm.CountTokens()
	maxContext, maxReply := cm.getContextLimits()
	if currentTokens+maxReply+compactionBuffer > maxContext {
		return cm.performCompaction(maxContext - maxReply - compactionBuffer)
	}
	return nil
}

func (cm *ContextManager) performCompaction(targetTokens int) error {
	if len(cm.messages) <= 2 {
		return nil
	}
	originalLen := len(cm.messages)
	for cm.CountTokens() > targetTokens && len(cm.messages) > 2 {
		cm.messages = append(cm.messages[:1], cm.messages[2:]...)
	}
	if len(cm.messages) < originalLen/2 && cm.CountTokens() > targetTokens {
		return cm.performSummarization()
	}
	return nil
}

func (cm *ContextManager) performSummarization() error {
	if len(cm.messages) <= 2 {
		return nil
	}
	systemMsg := cm.messages[0]
	recentMsgs := cm.messages[len(cm.messages)-2:]
	toSummarize := cm.messages[1 : len(cm.messages)-2]
	if len(toSummarize) == 0 {
		return nil
	}
	summary := summarize(toSummarize)
	if summary == "" {
		return nil
	}
	summaryMsg := Message{Role: "assistant", Content: fmt.Sprintf("Previous conversation summary: %s", summary)}
	newMessages := []Message{systemMsg, summaryMsg}
	newMessages = append(newMessages, recentMsgs...)
	cm.messages = newMessages
	return nil
}

func summarize(messages []Message) string {
	var parts []string
	for i := range messages {
		content := strings.TrimSpace(messages[i].Content)
		if content == "" {
			continue
		}
		if len(content) > 80 {
			content = content[:80] + "..."
		}
		parts = append(parts, content)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Previous conversation with %d messages", len(messages))
	}
	summary := strings.Join(parts, "; ")
	if len(summary) > 500 {
		summary = summary[:500] + "..."
	}
	return summary
}

// GetMessages returns a copy of all messages in the context.
func (cm *ContextManager) GetMessages() []Message {
	result := make([]Message, len(cm.messages))
	copy(result, cm.messages)
	return result
}

// GetModelName returns the model name for this context manager.
func (cm *ContextManager) GetModelName() string {
	return cm.modelName
}

func (cm *ContextManager) getContextLimits() (maxContext, maxReply int) {
	for prefix, limits := range modelLimits {
		if strings.Contains(strings.ToLower(cm.modelName), prefix) {
			return limits.maxContext, limits.maxReply
		}
	}
	return defaultMaxContext, defaultMaxReply
}

// Clear removes all messages from the context.
func (cm *ContextManager) Clear() {
	cm.messages = cm.messages[:0]
	cm.userBuffer = cm.userBuffer[:0]
}

// GetMessageCount returns the number of messages in the context.
func (cm *ContextManager) GetMessageCount() int {
	return len(cm.messages)
}

// ShouldCompact checks if compaction is needed without performing it.
func (cm *ContextManager) ShouldCompact() bool {
	currentTokens := cm.CountTokens()
	maxContext, maxReply := cm.getContextLimits()
	return currentTokens+maxReply+compactionBuffer > maxContext
}

// ResetForNewTemplate resets the context and buffer when switching prompt
// templates, unless the template is unchanged.
func (cm *ContextManager) ResetForNewTemplate(templateName, systemPrompt string) {
	if cm.currentTemplate == templateName {
		return
	}
	cm.messages = []Message{{Role: "system", Content: strings.TrimSpace(systemPrompt), Provenance: "system-prompt"}}
	cm.userBuffer = cm.userBuffer[:0]
	cm.pendingToolCalls = nil
	cm.pendingToolResults = nil
	cm.currentTemplate = templateName
}

func (cm *ContextManager) truncateToolOutput(content string) string {
	if len(content) > MaxToolOutputChars {
		content = content[:MaxToolOutputChars] + fmt.Sprintf("\n\n[... tool output truncated: %d chars exceeded hard limit of %d chars ...]",
			len(content), MaxToolOutputChars)
	}
	return cm.truncateOutputIfNeeded(content)
}

func (cm *ContextManager) truncateOutputIfNeeded(content string) string {
	maxContext, _ := cm.getContextLimits()
	const reserveRatio = 0.20
	buffer := int(float64(maxContext) * reserveRatio)
	maxSafeContent := maxContext - buffer

	currentTokens := cm.CountTokens()

	if len(content) > maxSafeContent {
		return content[:maxSafeContent] + fmt.Sprintf("\n\n[... content truncated: original size %d chars exceeded safe context limit of %d chars ...]",
			len(content), maxSafeContent)
	}

	projectedTotal := currentTokens + len(content)
	if projectedTotal > maxSafeContent {
		available := maxSafeContent - currentTokens
		if available <= 0 {
			const minSize = 1000
			if len(content) > minSize {
				return content[:minSize] + fmt.Sprintf("\n\n[... content truncated: context at capacity (%d/%d tokens) ...]",
					currentTokens, maxSafeContent)
			}
		}
		if len(content) > available {
			return content[:available] + fmt.Sprintf("\n\n[... content truncated to fit context: %d chars of %d shown ...]",
				available, len(content))
		}
	}

	return content
}

// FlushUserBuffer consolidates accumulated user messages and pending tool
// results into a single user turn, then compacts if the result would
// overflow this model's context window.
func (cm *ContextManager) FlushUserBuffer(_ context.Context) error {
	if len(cm.pendingToolResults) > 0 || len(cm.userBuffer) > 0 {
		var combinedContent string
		if len(cm.userBuffer) > 0 {
			parts := make([]string, 0, len(cm.userBuffer))
			for i := range cm.userBuffer {
				parts = append(parts, cm.userBuffer[i].Content)
			}
			combinedContent = strings.Join(parts, "\n\n")
		} else if len(cm.pendingToolResults) > 0 {
			combinedContent = "Tool results:"
		}

		var provenance string
		switch {
		case len(cm.pendingToolResults) > 0 && combinedContent != "":
			provenance = "tool-results-and-content"
		case len(cm.pendingToolResults) > 0:
			provenance = "tool-results-only"
		case len(cm.userBuffer) > 0:
			provenance = cm.userBuffer[0].Provenance
			for i := range cm.userBuffer {
				if cm.userBuffer[i].Provenance != provenance {
					provenance = "mixed"
					break
				}
			}
		}

		cm.messages = append(cm.messages, Message{
			Role:        "user",
			Content:     combinedContent,
			Provenance:  provenance,
			ToolResults: cm.pendingToolResults,
		})
		cm.pendingToolResults = nil
		cm.userBuffer = cm.userBuffer[:0]
	} else if len(cm.messages) == 0 || cm.messages[len(cm.messages)-1].Role != "user" {
		cm.messages = append(cm.messages, Message{
			Role:       "user",
			Content:    "No response from user, please try something else",
			Provenance: "empty-buffer-fallback",
		})
	}

	if err := cm.CompactIfNeeded(); err != nil {
		return fmt.Errorf("context compaction failed before LLM request: %w", err)
	}
	return nil
}

// AddAssistantMessage adds an assistant message directly to context. Only
// LLM client implementations should call this.
func (cm *ContextManager) AddAssistantMessage(content string) {
	cm.messages = append(cm.messages, Message{Role: "assistant", Content: strings.TrimSpace(content), Provenance: "llm-response"})
}

// AddAssistantMessageWithTools adds an assistant message with structured
// tool calls, preserving them for linking with results.
func (cm *ContextManager) AddAssistantMessageWithTools(content string, toolCalls []ToolCall) {
	cm.pendingToolCalls = toolCalls
	cm.messages = append(cm.messages, Message{
		Role:       "assistant",
		Content:    strings.TrimSpace(content),
		Provenance: "llm-response-with-tools",
		ToolCalls:  toolCalls,
	})
}

// AddToolResult adds a tool execution result to the pending batch, applying
// hard-limit and context-aware truncation to its output.
func (cm *ContextManager) AddToolResult(toolCallID, content string, isError bool) {
	cm.pendingToolResults = append(cm.pendingToolResults, ToolResult{
		ToolCallID: toolCallID,
		Content:    cm.truncateToolOutput(content),
		IsError:    isError,
	})
}

// AddUserMessageDirect adds a user message directly to context, bypassing
// the buffer. Used by middleware that must persist messages across turns
// without batching.
func (cm *ContextManager) AddUserMessageDirect(provenance, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	cm.messages = append(cm.messages, Message{Role: "user", Content: strings.TrimSpace(content), Provenance: provenance})
}
