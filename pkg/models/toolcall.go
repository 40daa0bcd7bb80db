package models

import "encoding/json"

// ToolCall is a single tool invocation requested by the model. It is a
// convenience projection of a ToolUse content block, used wherever the
// runtime threads a call through the tool-execution pipeline independently
// of the message that carried it.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of executing a ToolCall. It is a convenience
// projection of a ToolResult content block.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolCalls extracts every ToolUse block in the message as a ToolCall.
func (m *Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			calls = append(calls, ToolCall{ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput})
		}
	}
	return calls
}

// ToolResults extracts every ToolResult block in the message as a ToolResult.
func (m *Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			results = append(results, ToolResult{
				ToolCallID: b.ToolResultForID,
				Content:    b.ToolContent,
				IsError:    b.IsError != nil && *b.IsError,
			})
		}
	}
	return results
}

// NewAssistantMessage builds an assistant Message from response text and any
// tool calls the model requested in the same turn.
func NewAssistantMessage(text string, calls []ToolCall) *Message {
	var blocks []ContentBlock
	if text != "" {
		blocks = append(blocks, NewTextBlock(text))
	}
	for _, tc := range calls {
		blocks = append(blocks, NewToolUseBlock(tc.ID, tc.Name, tc.Input))
	}
	return &Message{Role: RoleAssistant, Content: blocks}
}

// NewToolResultMessage builds a tool-role Message carrying the results of the
// tool calls requested by the preceding assistant message.
func NewToolResultMessage(results []ToolResult) *Message {
	blocks := make([]ContentBlock, 0, len(results))
	for _, res := range results {
		blocks = append(blocks, NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
	}
	return &Message{Role: RoleTool, Content: blocks}
}
