package domain

import (
	"encoding/json"
	"strings"
)

// Role constants for message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BlockType tags the variant carried by a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message body. Only the fields belonging
// to Type are meaningful.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// NewTextBlock returns a text block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// NewToolUseBlock returns a tool_use block. Empty input is normalised to {}.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage("{}")
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// NewToolResultBlock returns a tool_result block answering toolUseID.
func NewToolResultBlock(toolUseID, name, content string, isError bool) ContentBlock {
	return ContentBlock{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
		Name:      name,
		Content:   content,
		IsError:   isError,
	}
}

// Message is a single conversational turn.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var parts []string
	for _, b := range m.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Conversation is the ordered message buffer of one run. It is owned by a
// single orchestrator run and never shared or persisted.
type Conversation struct {
	messages []Message
}

// NewConversation starts a conversation with the task prompt as its sole
// user message.
func NewConversation(prompt string) *Conversation {
	return &Conversation{
		messages: []Message{{Role: RoleUser, Content: []ContentBlock{NewTextBlock(prompt)}}},
	}
}

// Append adds a message with the given role and blocks.
func (c *Conversation) Append(role string, blocks ...ContentBlock) {
	c.messages = append(c.messages, Message{Role: role, Content: blocks})
}

// Messages returns a copy of the message slice.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int { return len(c.messages) }

// Last returns the most recent message, or false when empty.
func (c *Conversation) Last() (Message, bool) {
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}
