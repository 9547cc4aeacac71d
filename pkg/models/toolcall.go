package models

import "encoding/json"

// ToolCall is the wire-level representation of a tool invocation request
// used when building provider completion requests and when dispatching to
// the tool registry. It is the flattened counterpart of a ToolUseBlock.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the wire-level representation of a tool's output, the
// flattened counterpart of a ToolResultBlock.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Attachment represents a file or media attachment passed to a
// vision-capable model outside the canonical Image/Document blocks (used
// by the completion-request builder before it is lowered into blocks).
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolUseBlockFromCall converts a flattened ToolCall into a canonical
// ToolUseBlock for persistence.
func ToolUseBlockFromCall(call ToolCall) ToolUseBlock {
	return ToolUseBlock{ID: call.ID, Name: call.Name, Input: call.Input}
}

// ToolResultBlockFromResult converts a flattened ToolResult into a
// canonical ToolResultBlock for persistence.
func ToolResultBlockFromResult(result ToolResult) ToolResultBlock {
	output, err := json.Marshal(result.Content)
	if err != nil {
		output = json.RawMessage(`""`)
	}
	return ToolResultBlock{
		ToolUseID: result.ToolCallID,
		Output:    output,
		IsError:   result.IsError,
	}
}

// ReasoningSpan is the flattened counterpart of a ReasoningBlock or
// RedactedReasoningBlock. It rides alongside a CompletionMessage so each
// provider adapter can apply its own family-specific reasoning-preservation
// rule (attach, fold into text, or drop) when it builds the outbound
// request, instead of FlattenBlocks deciding that for every provider.
type ReasoningSpan struct {
	Thinking   string
	Signature  string
	Redacted   bool
	OpaqueBlob string
}

// FlattenBlocks lowers a canonical Blocks sequence into the flattened shape
// a provider completion request expects: concatenated text, reasoning
// spans, tool calls, and tool results. Image/Document blocks are not
// represented in the flattened wire shape and are dropped here; adapters
// that need them read Content directly.
func FlattenBlocks(blocks Blocks) (text string, reasoning []ReasoningSpan, calls []ToolCall, results []ToolResult) {
	for _, block := range blocks {
		switch b := block.(type) {
		case TextBlock:
			text += b.Text
		case ReasoningBlock:
			reasoning = append(reasoning, ReasoningSpan{Thinking: b.Thinking, Signature: b.Signature})
		case RedactedReasoningBlock:
			reasoning = append(reasoning, ReasoningSpan{Redacted: true, OpaqueBlob: b.OpaqueBlob})
		case ToolUseBlock:
			calls = append(calls, ToolCall{ID: b.ID, Name: b.Name, Input: b.Input})
		case ToolResultBlock:
			var content string
			if err := json.Unmarshal(b.Output, &content); err != nil {
				content = string(b.Output)
			}
			results = append(results, ToolResult{ToolCallID: b.ToolUseID, Content: content, IsError: b.IsError})
		}
	}
	return text, reasoning, calls, results
}
