package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/pkg/types"
)

// StdioService talks to an execution-service process over a JSON-lines
// protocol on its stdin/stdout. Each request is one line; the process
// answers with one event per line until a "finish" or "approval_required"
// line.
type StdioService struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	writer  *bufio.Writer
	scanner *bufio.Scanner
}

// NewStdioService launches the execution-service process.
func NewStdioService(ctx context.Context, command string, args ...string) (*StdioService, error) {
	cmd := exec.CommandContext(ctx, command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start execution service: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	return &StdioService{
		cmd:     cmd,
		writer:  bufio.NewWriter(stdin),
		scanner: scanner,
	}, nil
}

type wireRequest struct {
	Type    string         `json:"type"` // "stream" | "resume_approval" | "resume_decline" | "cancel"
	RunID   string         `json:"runID,omitempty"`
	CallID  string         `json:"callID,omitempty"`
	Request *StreamRequest `json:"request,omitempty"`
}

type wireEvent struct {
	Type             string           `json:"type"`
	RunID            string           `json:"runID,omitempty"`
	SpanID           string           `json:"spanID,omitempty"`
	Text             string           `json:"text,omitempty"`
	CallID           string           `json:"callID,omitempty"`
	Tool             string           `json:"tool,omitempty"`
	Args             map[string]any   `json:"args,omitempty"`
	Output           string           `json:"output,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	Message          string           `json:"message,omitempty"`
	Usage            types.TokenUsage `json:"usage,omitempty"`
	Snapshot         types.OMSnapshot `json:"snapshot,omitempty"`
	Kind             string           `json:"kind,omitempty"`
	Phase            string           `json:"phase,omitempty"`
	DurationMs       int64            `json:"durationMs,omitempty"`
	OutputBytes      int              `json:"outputBytes,omitempty"`
	Chunks           int              `json:"chunks,omitempty"`
	ProjectedSavings int              `json:"projectedSavings,omitempty"`
	Enabled          bool             `json:"enabled,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// Stream implements Service.
func (s *StdioService) Stream(ctx context.Context, req StreamRequest) (EventStream, error) {
	return s.send(ctx, wireRequest{Type: "stream", Request: &req})
}

// ResumeWithApproval implements Service.
func (s *StdioService) ResumeWithApproval(ctx context.Context, runID, callID string) (EventStream, error) {
	return s.send(ctx, wireRequest{Type: "resume_approval", RunID: runID, CallID: callID})
}

// ResumeWithDecline implements Service.
func (s *StdioService) ResumeWithDecline(ctx context.Context, runID, callID string) (EventStream, error) {
	return s.send(ctx, wireRequest{Type: "resume_decline", RunID: runID, CallID: callID})
}

func (s *StdioService) send(ctx context.Context, req wireRequest) (EventStream, error) {
	s.mu.Lock()

	line, err := json.Marshal(req)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := s.writer.Write(append(line, '\n')); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("write request: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("flush request: %w", err)
	}

	// The stream holds the service lock until exhaustion: the process
	// serves one run at a time, matching the one-operation-per-session
	// model.
	return &stdioStream{ctx: ctx, svc: s}, nil
}

// Close terminates the execution-service process.
func (s *StdioService) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

type stdioStream struct {
	ctx  context.Context
	svc  *StdioService
	done bool
}

func (st *stdioStream) Recv() (Event, error) {
	if st.done {
		return nil, io.EOF
	}
	if err := st.ctx.Err(); err != nil {
		st.abandon()
		return nil, err
	}

	if !st.svc.scanner.Scan() {
		st.finish()
		if err := st.svc.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var we wireEvent
	if err := json.Unmarshal(st.svc.scanner.Bytes(), &we); err != nil {
		logging.Warn().Err(err).Msg("malformed execution-service event skipped")
		return st.Recv()
	}

	if we.Type == "error" {
		st.finish()
		return nil, errors.New(we.Message)
	}

	ev, terminal := decodeWireEvent(we)
	if terminal {
		st.finish()
	}
	if ev == nil {
		if terminal {
			return nil, io.EOF
		}
		return st.Recv()
	}
	return ev, nil
}

// finish releases the service lock after a terminal line; the wire is
// positioned exactly at a run boundary.
func (st *stdioStream) finish() {
	if !st.done {
		st.done = true
		st.svc.mu.Unlock()
	}
}

// abandon ends a run mid-stream. The service lock stays held while the
// superseded run's remaining lines are drained off the wire, so the next run
// never reads them as its own.
func (st *stdioStream) abandon() {
	if !st.done {
		st.done = true
		go st.svc.drainAbandoned()
	}
}

// Close releases the stream. On a stream that never reached a terminal line
// this cancels the run and drains its leftover output.
func (st *stdioStream) Close() error {
	st.abandon()
	return nil
}

// drainAbandoned tells the process to cancel the in-flight run, discards
// output up to the run's terminal line, and only then releases the service
// lock. Runs with s.mu held by the abandoned stream.
func (s *StdioService) drainAbandoned() {
	defer s.mu.Unlock()

	line, err := json.Marshal(wireRequest{Type: "cancel"})
	if err == nil {
		if _, werr := s.writer.Write(append(line, '\n')); werr == nil {
			_ = s.writer.Flush()
		}
	}

	for s.scanner.Scan() {
		var we wireEvent
		if err := json.Unmarshal(s.scanner.Bytes(), &we); err != nil {
			continue
		}
		// approval_required is not a run boundary here: the cancelled
		// run still answers the cancel with its own finish or error.
		if we.Type == "finish" || we.Type == "error" {
			return
		}
	}
}

// decodeWireEvent maps a wire line to a runner event. Terminal events end
// the current stream: finish, error, and approval_required (the run is
// suspended; a resume call opens a new stream).
func decodeWireEvent(we wireEvent) (Event, bool) {
	switch we.Type {
	case "text_start":
		return TextStart{SpanID: we.SpanID}, false
	case "text_delta":
		return TextDelta{SpanID: we.SpanID, Text: we.Text}, false
	case "reasoning_start":
		return ReasoningStart{SpanID: we.SpanID}, false
	case "reasoning_delta":
		return ReasoningDelta{SpanID: we.SpanID, Text: we.Text}, false
	case "tool_call":
		return ToolCall{CallID: we.CallID, Tool: we.Tool, Args: we.Args}, false
	case "tool_result":
		return ToolResult{CallID: we.CallID, Output: we.Output}, false
	case "tool_error":
		return ToolError{CallID: we.CallID, Message: we.Message}, false
	case "approval_required":
		return ApprovalRequired{RunID: we.RunID, CallID: we.CallID, Tool: we.Tool, Args: we.Args}, true
	case "usage":
		return StepUsage{Usage: we.Usage}, false
	case "finish":
		return Finish{Reason: we.Reason}, true
	case "om_status":
		return OMStatus{Snapshot: we.Snapshot}, false
	case "om_lifecycle":
		return OMLifecycle{
			Kind:             we.Kind,
			Phase:            we.Phase,
			DurationMs:       we.DurationMs,
			OutputBytes:      we.OutputBytes,
			Chunks:           we.Chunks,
			ProjectedSavings: we.ProjectedSavings,
			Error:            we.Error,
		}, false
	case "om_activation":
		return OMActivation{Enabled: we.Enabled}, false
	default:
		logging.Debug().Str("type", we.Type).Msg("unknown execution-service event skipped")
		return nil, false
	}
}
