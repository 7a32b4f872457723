package types

import (
	"encoding/json"
	"fmt"
)

// Span is one ordered content entry of an assistant message.
type Span interface {
	SpanType() string
	SpanID() string
}

// TextSpan holds streamed text content.
type TextSpan struct {
	ID   string `json:"id"`
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

func (s *TextSpan) SpanType() string { return "text" }
func (s *TextSpan) SpanID() string   { return s.ID }

// ReasoningSpan holds streamed extended-thinking content.
type ReasoningSpan struct {
	ID   string `json:"id"`
	Type string `json:"type"` // always "reasoning"
	Text string `json:"text"`
}

func (s *ReasoningSpan) SpanType() string { return "reasoning" }
func (s *ReasoningSpan) SpanID() string   { return s.ID }

// ToolCallSpan records a tool invocation. Arguments arrive atomically with
// the call event.
type ToolCallSpan struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"` // always "tool_call"
	CallID string         `json:"callID"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
}

func (s *ToolCallSpan) SpanType() string { return "tool_call" }
func (s *ToolCallSpan) SpanID() string   { return s.ID }

// ToolResultSpan terminates a tool call with its output or error.
type ToolResultSpan struct {
	ID     string  `json:"id"`
	Type   string  `json:"type"` // always "tool_result"
	CallID string  `json:"callID"`
	Output *string `json:"output,omitempty"`
	Error  *string `json:"error,omitempty"`
}

func (s *ToolResultSpan) SpanType() string { return "tool_result" }
func (s *ToolResultSpan) SpanID() string   { return s.ID }

// OMNoteSpan is the inline rendering of an observational-memory marker when
// stored history is replayed. The raw snapshot rides along so a cold thread
// load can rebuild the progress model from the newest stored message.
type OMNoteSpan struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"` // always "om_note"
	Note     string      `json:"note"`
	Snapshot *OMSnapshot `json:"snapshot,omitempty"`
}

func (s *OMNoteSpan) SpanType() string { return "om_note" }
func (s *OMNoteSpan) SpanID() string   { return s.ID }

// UnmarshalSpan decodes a JSON span into the appropriate concrete type.
func UnmarshalSpan(data []byte) (Span, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case "text":
		var s TextSpan
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return &s, nil
	case "reasoning":
		var s ReasoningSpan
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return &s, nil
	case "tool_call":
		var s ToolCallSpan
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return &s, nil
	case "tool_result":
		var s ToolResultSpan
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return &s, nil
	case "om_note":
		var s OMNoteSpan
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("unknown span type %q", head.Type)
	}
}
