package event

import "github.com/tillerhq/tiller/pkg/types"

// AgentStartData is the payload for agent_start events.
type AgentStartData struct {
	OperationID uint64 `json:"operationID"`
	ThreadID    string `json:"threadID"`
}

// AgentEndData is the payload for agent_end events. Reason is one of
// "complete", "aborted", "error".
type AgentEndData struct {
	OperationID uint64 `json:"operationID"`
	ThreadID    string `json:"threadID"`
	Reason      string `json:"reason"`
}

// MessageData is the payload for message_start, message_update and
// message_end events. A full snapshot is carried on every update.
type MessageData struct {
	OperationID uint64         `json:"operationID"`
	Message     *types.Message `json:"message"`
}

// ToolData is the payload for tool_start and tool_end events.
type ToolData struct {
	OperationID uint64         `json:"operationID"`
	CallID      string         `json:"callID"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	Output      string         `json:"output,omitempty"`
	Failed      bool           `json:"failed,omitempty"`
}

// ApprovalRequiredData is the payload for tool_approval_required events.
type ApprovalRequiredData struct {
	RequestID   string         `json:"requestID"`
	OperationID uint64         `json:"operationID"`
	CallID      string         `json:"callID"`
	ToolName    string         `json:"toolName"`
	Args        map[string]any `json:"args,omitempty"`
}

// UsageData is the payload for usage_update events: the session's cumulative
// totals after folding in the latest step.
type UsageData struct {
	OperationID uint64           `json:"operationID"`
	Usage       types.TokenUsage `json:"usage"`
}

// ErrorData is the payload for error events.
type ErrorData struct {
	OperationID uint64 `json:"operationID,omitempty"`
	Type        string `json:"type"`
	Message     string `json:"message"`
	Retryable   bool   `json:"retryable"`
	RetryDelay  int64  `json:"retryDelayMs,omitempty"`
}

// ThreadData is the payload for thread_created and thread_changed events.
type ThreadData struct {
	Thread *types.Thread `json:"thread"`
}

// ModeChangedData is the payload for mode_changed events.
type ModeChangedData struct {
	ModeID string `json:"modeID"`
}

// ModelChangedData is the payload for model_changed events.
type ModelChangedData struct {
	ModelID string `json:"modelID"`
	ModeID  string `json:"modeID,omitempty"`
}

// StateChangedData is the payload for state_changed events. State is "idle"
// or "running".
type StateChangedData struct {
	State string `json:"state"`
}

// FollowUpQueuedData is the payload for follow_up_queued events.
type FollowUpQueuedData struct {
	Position int    `json:"position"`
	Content  string `json:"content"`
}

// OMStatusData is the payload for om_status events.
type OMStatusData struct {
	Snapshot types.OMSnapshot `json:"snapshot"`
}

// OMCycleData is the payload for om_cycle events.
type OMCycleData struct {
	Operation types.OMOperation `json:"operation"`
	Cycle     types.OMCycle     `json:"cycle"`
}

// QuestionData is the payload for question_asked events.
type QuestionData struct {
	RequestID string `json:"requestID"`
	Question  string `json:"question"`
}

// PlanApprovalData is the payload for plan_approval_required events.
type PlanApprovalData struct {
	RequestID string `json:"requestID"`
	Plan      string `json:"plan"`
}
