// Package runner defines the surface of the agent-execution service: given a
// conversation and tool roster it yields an ordered event stream, with
// suspension and resumption around approval decisions. The service itself is
// a black box behind the Service interface.
package runner

import (
	"context"

	"github.com/tillerhq/tiller/pkg/types"
)

// StreamRequest describes one execution run.
type StreamRequest struct {
	ThreadID      string
	Messages      []*types.Message
	ModeID        string
	ModelID       string
	Prompt        string
	Tools         []string
	ThinkingLevel string

	// BypassApprovals tells the service the session auto-approves
	// everything; it may skip emitting ApprovalRequired markers.
	BypassApprovals bool
}

// Service is the agent-execution service.
type Service interface {
	// Stream starts a run and returns its event stream.
	Stream(ctx context.Context, req StreamRequest) (EventStream, error)

	// ResumeWithApproval resumes a run suspended on an approval marker,
	// approving the tool call. The returned stream continues the same run.
	ResumeWithApproval(ctx context.Context, runID, callID string) (EventStream, error)

	// ResumeWithDecline resumes a suspended run, declining the tool call.
	ResumeWithDecline(ctx context.Context, runID, callID string) (EventStream, error)
}

// EventStream yields run events in order. Recv returns io.EOF on exhaustion.
type EventStream interface {
	Recv() (Event, error)
	Close() error
}

// Event is one tagged stream event.
type Event interface {
	runnerEvent()
}

// TextStart opens a text span.
type TextStart struct {
	SpanID string
}

// TextDelta appends text to an open span.
type TextDelta struct {
	SpanID string
	Text   string
}

// ReasoningStart opens a reasoning span.
type ReasoningStart struct {
	SpanID string
}

// ReasoningDelta appends reasoning text to an open span.
type ReasoningDelta struct {
	SpanID string
	Text   string
}

// ToolCall announces a tool invocation; arguments arrive atomically.
type ToolCall struct {
	CallID string
	Tool   string
	Args   map[string]any
}

// ToolResult terminates a tool call with its output.
type ToolResult struct {
	CallID string
	Output string
}

// ToolError terminates a tool call with an error.
type ToolError struct {
	CallID  string
	Message string
}

// ApprovalRequired suspends the run until resumed with an approval decision.
// No further events arrive on the stream while suspended.
type ApprovalRequired struct {
	RunID  string
	CallID string
	Tool   string
	Args   map[string]any
}

// StepUsage carries token accounting for one completed step.
type StepUsage struct {
	Usage types.TokenUsage
}

// Finish terminates the run with the provider's finish reason.
type Finish struct {
	Reason string
}

// OMStatus is the snapshot-shaped observational-memory event.
type OMStatus struct {
	Snapshot types.OMSnapshot
}

// OMLifecycle is the discrete observational-memory lifecycle event. Kind is
// "observation", "reflection" or "buffering"; Phase is "start", "end" or
// "failed".
type OMLifecycle struct {
	Kind             string
	Phase            string
	DurationMs       int64
	OutputBytes      int
	Chunks           int
	ProjectedSavings int
	Error            string
}

// OMActivation toggles observational memory for the thread.
type OMActivation struct {
	Enabled bool
}

func (TextStart) runnerEvent()        {}
func (TextDelta) runnerEvent()        {}
func (ReasoningStart) runnerEvent()   {}
func (ReasoningDelta) runnerEvent()   {}
func (ToolCall) runnerEvent()         {}
func (ToolResult) runnerEvent()       {}
func (ToolError) runnerEvent()        {}
func (ApprovalRequired) runnerEvent() {}
func (StepUsage) runnerEvent()        {}
func (Finish) runnerEvent()           {}
func (OMStatus) runnerEvent()         {}
func (OMLifecycle) runnerEvent()      {}
func (OMActivation) runnerEvent()     {}
