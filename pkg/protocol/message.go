// Package protocol defines the message types shared by the LLM providers,
// the agent runner, and the session store.
package protocol

import (
	"strings"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// NewToolCallID returns an identifier for tool calls issued by providers
// that do not supply their own.
func NewToolCallID() string {
	return "call_" + uuid.NewString()[:8]
}

// Message is a single entry in an LLM conversation.
//
// Exactly one of the following shapes is expected:
//   - system/user: Content only
//   - assistant: Content and/or ToolCalls
//   - tool: Content plus ToolCallID naming the call it answers
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []*ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
}

func System(content string) *Message {
	return &Message{Role: RoleSystem, Content: content}
}

func User(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

func Assistant(content string) *Message {
	return &Message{Role: RoleAssistant, Content: content}
}

func AssistantToolCalls(content string, calls []*ToolCall) *Message {
	return &Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

func ToolResult(callID, toolName, content string) *Message {
	return &Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolName: toolName}
}

// JoinText concatenates the text content of all messages. Used for
// character-budget accounting only.
func JoinText(messages []*Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Content)
	}
	return b.String()
}
