// Package session is the orchestration core: it owns the single active
// operation per session, the follow-up queue, approval suspension, error
// recovery, and the observational-memory progress model.
package session

import (
	"context"

	"github.com/tillerhq/tiller/pkg/types"
)

// ApprovalDecision is the externally resolved answer to a tool approval
// request.
type ApprovalDecision string

const (
	ApproveOnce         ApprovalDecision = "approve"
	Decline             ApprovalDecision = "decline"
	AlwaysAllowCategory ApprovalDecision = "always_allow_category"
	AlwaysAllowTool     ApprovalDecision = "always_allow_tool"
)

// Session is the in-memory per-process state: one per working context. It is
// owned and mutated only by the Controller, under the controller mutex.
type Session struct {
	ThreadID   string
	ResourceID string
	ModeID     string
	ModelID    string

	// Usage accumulates token totals across all operations this session.
	Usage types.TokenUsage

	// opSeq is the monotonic operation epoch. An operation is superseded
	// the instant a newer id is assigned.
	opSeq uint64

	// cancel is the live operation's handle; nil when idle.
	cancel context.CancelFunc

	// abortedOp records the id the user aborted, so cancellation reports
	// "aborted" rather than "error".
	abortedOp uint64

	// queue holds follow-up messages drained FIFO after the current
	// operation terminates.
	queue []string

	// Pending one-shot resolvers, keyed by request id. Entries are
	// removed on resolution; entries abandoned by supersession stay
	// behind, bounded by one in-flight request at a time.
	pendingApprovals map[string]chan ApprovalDecision
	pendingQuestions map[string]chan string
	pendingPlans     map[string]chan bool
}

func newSession(resourceID, modeID string) *Session {
	return &Session{
		ResourceID:       resourceID,
		ModeID:           modeID,
		pendingApprovals: make(map[string]chan ApprovalDecision),
		pendingQuestions: make(map[string]chan string),
		pendingPlans:     make(map[string]chan bool),
	}
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	ThreadID    string           `json:"threadID"`
	ModeID      string           `json:"modeID"`
	ModelID     string           `json:"modelID"`
	State       string           `json:"state"` // "idle" | "running"
	OperationID uint64           `json:"operationID"`
	QueueLength int              `json:"queueLength"`
	Usage       types.TokenUsage `json:"usage"`
}
