package types

import "encoding/json"

// StopReason is the terminal classification of an assembled message.
type StopReason string

const (
	StopComplete StopReason = "complete"
	StopToolUse  StopReason = "tool_use"
	StopAborted  StopReason = "aborted"
	StopError    StopReason = "error"
)

// Message is one user or assistant turn in a thread. Assistant messages are
// built incrementally by the stream assembler and immutable once finalized.
type Message struct {
	ID       string      `json:"id"`
	ThreadID string      `json:"threadID"`
	Role     string      `json:"role"` // "user" | "assistant"
	Spans    []Span      `json:"-"`
	Stop     StopReason  `json:"stop,omitempty"`
	ModeID   string      `json:"modeID,omitempty"`
	ModelID  string      `json:"modelID,omitempty"`
	Tokens   *TokenUsage `json:"tokens,omitempty"`
	Error    *RunError   `json:"error,omitempty"`
	Time     MessageTime `json:"time"`
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

// TokenUsage contains token accounting for a message or a whole session.
type TokenUsage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	Reasoning  int `json:"reasoning"`
	CacheRead  int `json:"cacheRead"`
	CacheWrite int `json:"cacheWrite"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Reasoning += other.Reasoning
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
}

// Total returns the combined input and output token count.
func (u TokenUsage) Total() int {
	return u.Input + u.Output
}

// MarshalJSON flattens the span slice through the tagged wire encoding.
func (m Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	return json.Marshal(struct {
		Alias
		Spans []json.RawMessage `json:"spans,omitempty"`
	}{
		Alias: Alias(m),
		Spans: marshalSpans(m.Spans),
	})
}

// UnmarshalJSON restores the span slice from the tagged wire encoding.
func (m *Message) UnmarshalJSON(data []byte) error {
	type Alias Message
	aux := struct {
		*Alias
		Spans []json.RawMessage `json:"spans,omitempty"`
	}{Alias: (*Alias)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	for _, raw := range aux.Spans {
		span, err := UnmarshalSpan(raw)
		if err != nil {
			return err
		}
		m.Spans = append(m.Spans, span)
	}
	return nil
}

func marshalSpans(spans []Span) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(spans))
	for _, s := range spans {
		data, err := json.Marshal(s)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

// RunError is the structured error attached to a failed operation. Type is
// one of "aborted", "network", "auth", "rate_limit", "protocol", "hook",
// "unknown".
type RunError struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryDelay int64  `json:"retryDelayMs,omitempty"`
}

func (e *RunError) Error() string {
	return e.Message
}
