// Package models defines the core persisted data types shared by every
// component of the Blufio agent runtime: sessions, messages, the inbound
// queue, memories, cost records, skill manifests, and vault entries.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// BlockType discriminates the ContentBlock sum type.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is a tagged union over the four content-block variants a
// Message may carry: Text, Image, ToolUse, and ToolResult. Exactly one
// group of variant-specific fields is populated, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text variant.
	Text string `json:"text,omitempty"`

	// Image variant.
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64-encoded

	// ToolUse variant.
	ToolUseID string          `json:"id,omitempty"`
	ToolName  string          `json:"name,omitempty"`
	ToolInput json.RawMessage `json:"input,omitempty"`

	// ToolResult variant.
	ToolResultForID string `json:"tool_use_id,omitempty"`
	ToolContent     string `json:"content,omitempty"`
	IsError         *bool  `json:"is_error,omitempty"`
}

// NewTextBlock builds a Text content block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// NewImageBlock builds an Image content block.
func NewImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockImage, MediaType: mediaType, Data: data}
}

// NewToolUseBlock builds a ToolUse content block.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// NewToolResultBlock builds a ToolResult content block. isError is carried
// as a pointer so an absent value round-trips as omitted, matching the
// spec's `is_error?` optional field.
func NewToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	var errPtr *bool
	if isError {
		v := true
		errPtr = &v
	}
	return ContentBlock{Type: BlockToolResult, ToolResultForID: toolUseID, ToolContent: content, IsError: errPtr}
}

// Message is a single turn element: a user prompt, an assistant reply (text
// and/or tool uses), a system note, or a tool-result carrier.
//
// Invariant: an assistant Message containing ToolUse blocks must be
// followed by exactly one user Message whose ToolResult blocks carry the
// same multiset of tool_use_id values (see ValidateToolRoundTrip).
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Role       Role           `json:"role"`
	Content    []ContentBlock `json:"content"`
	TokenCount *int           `json:"token_count,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ToolUseIDs returns the tool_use_id of every ToolUse block in the message.
func (m *Message) ToolUseIDs() []string {
	var ids []string
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

// ToolResultIDs returns the tool_use_id of every ToolResult block in the message.
func (m *Message) ToolResultIDs() []string {
	var ids []string
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			ids = append(ids, b.ToolResultForID)
		}
	}
	return ids
}

// Text concatenates the text of every Text block, ignoring other variants.
func (m *Message) Text() string {
	out := ""
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionStale  SessionState = "stale"
	SessionClosed SessionState = "closed"
)

// RoutingDecision is the router's most recent choice for a session, reused
// for every LLM call (initial and tool follow-ups) within the current turn.
type RoutingDecision struct {
	ActualModel   string `json:"actual_model"`
	IntendedModel string `json:"intended_model"`
	MaxTokens     int    `json:"max_tokens"`
}

// Session identifies an ongoing conversation bound to one (channel, sender)
// pair. Session key = "{channel}:{sender_id}".
type Session struct {
	ID          string           `json:"id"`
	Channel     string           `json:"channel"`
	SenderID    string           `json:"sender_id"`
	State       SessionState     `json:"state"`
	LastRouting *RoutingDecision `json:"last_routing,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Key returns the session's (channel, sender) composite key.
func (s *Session) Key() string {
	return s.Channel + ":" + s.SenderID
}

// QueueStatus is the lifecycle state of a QueueEntry.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// QueueEntry is a crash-safe inbound-message backlog row. Entries left in
// Processing past LockDeadline revert to Pending on startup.
type QueueEntry struct {
	ID           string      `json:"id"`
	Queue        string      `json:"queue"`
	Payload      []byte      `json:"payload"`
	Status       QueueStatus `json:"status"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	LockDeadline *time.Time  `json:"lock_deadline,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}
