package models

import (
	"encoding/json"
	"fmt"
)

// BlockType discriminates the tagged content-block union that makes up a
// Message's content. The tag is always serialized as the JSON field "type"
// so that readers written against a newer block vocabulary than this one
// can still parse the rest of a stored conversation.
type BlockType string

const (
	BlockText               BlockType = "text"
	BlockReasoning          BlockType = "reasoning"
	BlockToolUse            BlockType = "tool_use"
	BlockToolResult         BlockType = "tool_result"
	BlockImage              BlockType = "image"
	BlockDocument           BlockType = "document"
	BlockRedactedReasoning  BlockType = "redacted_reasoning"
)

// Block is one element of a Message's content. Implementations are the
// concrete block structs below plus UnknownBlock for forward-compatibility.
type Block interface {
	Type() BlockType
}

// TextBlock is free text.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) Type() BlockType { return BlockText }

// ReasoningBlock carries model-internal reasoning. Signature is an opaque
// provider-supplied token some providers require present on replay; it is
// empty when the adapter's reasoning-preservation policy for the target
// family omits it (see provider family rules).
type ReasoningBlock struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

func (ReasoningBlock) Type() BlockType { return BlockReasoning }

// ToolUseBlock is a request to run a tool. ID is unique within the session
// and is the join key ToolResultBlock.ToolUseID references.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (ToolUseBlock) Type() BlockType { return BlockToolUse }

// ToolResultBlock is the output for a specific ToolUseBlock, addressed by id.
// Output is a structured JSON value rather than a plain string so tools can
// return rich results (the common case of a plain string is still valid
// JSON: a quoted string).
type ToolResultBlock struct {
	ToolUseID string          `json:"tool_use_id"`
	Output    json.RawMessage `json:"output"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (ToolResultBlock) Type() BlockType { return BlockToolResult }

// BlockSource is either inline base64 data or a remote URL, used by Image
// and Document blocks.
type BlockSource struct {
	Kind      string `json:"kind"` // "base64" | "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ImageBlock is an inline or remote image attachment.
type ImageBlock struct {
	Source    BlockSource `json:"source"`
	MediaType string      `json:"media_type"`
}

func (ImageBlock) Type() BlockType { return BlockImage }

// DocumentBlock is an inline or remote document attachment (e.g. PDF).
type DocumentBlock struct {
	Source    BlockSource `json:"source"`
	MediaType string      `json:"media_type"`
}

func (DocumentBlock) Type() BlockType { return BlockDocument }

// RedactedReasoningBlock is an opaque reasoning blob the provider declined
// to return in cleartext. It is carried verbatim on replay.
type RedactedReasoningBlock struct {
	OpaqueBlob string `json:"opaque_blob"`
}

func (RedactedReasoningBlock) Type() BlockType { return BlockRedactedReasoning }

// UnknownBlock preserves a content block of a type this version of the
// model does not recognize, so older readers do not destroy data written
// by a newer vocabulary. It round-trips its raw JSON unchanged.
type UnknownBlock struct {
	TypeTag string          `json:"type"`
	Raw     json.RawMessage `json:"-"`
}

func (u UnknownBlock) Type() BlockType { return BlockType(u.TypeTag) }

func (u UnknownBlock) MarshalJSON() ([]byte, error) {
	return u.Raw, nil
}

// Blocks is an ordered sequence of content blocks with tag-dispatched JSON
// (un)marshaling.
type Blocks []Block

type taggedBlock struct {
	Type BlockType `json:"type"`
}

func (b Blocks) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(b))
	for _, block := range b {
		data, err := marshalBlock(block)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	return json.Marshal(raw)
}

func marshalBlock(block Block) (json.RawMessage, error) {
	type envelope struct {
		Type BlockType `json:"type"`
	}
	payload, err := json.Marshal(block)
	if err != nil {
		return nil, err
	}
	if u, ok := block.(UnknownBlock); ok {
		return u.Raw, nil
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &merged); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(envelope{Type: block.Type()})
	if err != nil {
		return nil, err
	}
	tagMap := map[string]json.RawMessage{}
	if err := json.Unmarshal(tag, &tagMap); err != nil {
		return nil, err
	}
	for k, v := range tagMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (b *Blocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Blocks, 0, len(raws))
	for _, raw := range raws {
		block, err := unmarshalBlock(raw)
		if err != nil {
			return err
		}
		out = append(out, block)
	}
	*b = out
	return nil
}

func unmarshalBlock(raw json.RawMessage) (Block, error) {
	var tag taggedBlock
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("content block missing type tag: %w", err)
	}
	switch tag.Type {
	case BlockText:
		var b TextBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case BlockReasoning:
		var b ReasoningBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case BlockToolUse:
		var b ToolUseBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case BlockToolResult:
		var b ToolResultBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case BlockImage:
		var b ImageBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case BlockDocument:
		var b DocumentBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case BlockRedactedReasoning:
		var b RedactedReasoningBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		return UnknownBlock{TypeTag: string(tag.Type), Raw: cp}, nil
	}
}

// HasToolUse reports whether any block is a ToolUseBlock.
func (b Blocks) HasToolUse() bool {
	for _, block := range b {
		if block.Type() == BlockToolUse {
			return true
		}
	}
	return false
}

// ToolUseIDs returns the ids of every ToolUseBlock, in order.
func (b Blocks) ToolUseIDs() []string {
	var ids []string
	for _, block := range b {
		if tu, ok := block.(ToolUseBlock); ok {
			ids = append(ids, tu.ID)
		}
	}
	return ids
}

// ToolResultIDs returns the tool_use_id referenced by every ToolResultBlock,
// in order.
func (b Blocks) ToolResultIDs() []string {
	var ids []string
	for _, block := range b {
		if tr, ok := block.(ToolResultBlock); ok {
			ids = append(ids, tr.ToolUseID)
		}
	}
	return ids
}

// CollectText concatenates every TextBlock's text, in order.
func (b Blocks) CollectText() string {
	var out string
	for _, block := range b {
		if t, ok := block.(TextBlock); ok {
			out += t.Text
		}
	}
	return out
}

// StubToolResult builds the interrupted-execution stub ToolResultBlock
// required by invariant P1 when a ToolUse never received a real result.
func StubToolResult(toolUseID string) ToolResultBlock {
	return ToolResultBlock{
		ToolUseID: toolUseID,
		Output:    json.RawMessage(`"Tool execution was interrupted"`),
		IsError:   true,
	}
}

// DeniedToolResult builds the result block for a tool call the user denied
// approval for.
func DeniedToolResult(toolUseID string) ToolResultBlock {
	return ToolResultBlock{
		ToolUseID: toolUseID,
		Output:    json.RawMessage(`"Tool execution denied by user"`),
		IsError:   true,
	}
}
