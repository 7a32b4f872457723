package session

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tillerhq/tiller/internal/event"
	"github.com/tillerhq/tiller/internal/hook"
	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/internal/runner"
	"github.com/tillerhq/tiller/pkg/types"
)

// Assembler folds one operation's stream events into a single assistant
// message, publishing message_start on the first mutating event and a full
// message snapshot on every change. Deltas for span ids it has never seen
// are dropped.
type Assembler struct {
	c      *Controller
	params *runParams

	msg     *types.Message
	started bool

	spanIndex map[string]int // span id -> index in msg.Spans
	callIndex map[string]int // call id -> index of its tool_call span
}

func newAssembler(c *Controller, params *runParams) *Assembler {
	return &Assembler{
		c:      c,
		params: params,
		msg: &types.Message{
			ID:       ulid.Make().String(),
			ThreadID: params.threadID,
			Role:     "assistant",
			ModeID:   params.modeID,
			ModelID:  params.modelID,
			Time:     types.MessageTime{Created: time.Now().UnixMilli()},
		},
		spanIndex: make(map[string]int),
		callIndex: make(map[string]int),
	}
}

// Apply folds one stream event into the message. Events for a superseded
// operation are dropped.
func (a *Assembler) Apply(ev runner.Event) {
	// Not atomic with supersession: a steer landing between this check
	// and the publishes below lets at most this one event through; the
	// next Apply re-checks.
	if !a.c.current(a.params.id) {
		return
	}

	switch e := ev.(type) {
	case runner.TextStart:
		a.appendSpan(&types.TextSpan{ID: e.SpanID, Type: "text"})
		a.publishUpdate()

	case runner.TextDelta:
		idx, ok := a.spanIndex[e.SpanID]
		if !ok {
			logging.Debug().Str("span", e.SpanID).Msg("text delta for unknown span dropped")
			return
		}
		span, ok := a.msg.Spans[idx].(*types.TextSpan)
		if !ok {
			return
		}
		span.Text += e.Text
		a.publishUpdate()

	case runner.ReasoningStart:
		a.appendSpan(&types.ReasoningSpan{ID: e.SpanID, Type: "reasoning"})
		a.publishUpdate()

	case runner.ReasoningDelta:
		idx, ok := a.spanIndex[e.SpanID]
		if !ok {
			logging.Debug().Str("span", e.SpanID).Msg("reasoning delta for unknown span dropped")
			return
		}
		span, ok := a.msg.Spans[idx].(*types.ReasoningSpan)
		if !ok {
			return
		}
		span.Text += e.Text
		a.publishUpdate()

	case runner.ToolCall:
		a.callIndex[e.CallID] = len(a.msg.Spans)
		a.appendSpan(&types.ToolCallSpan{
			ID:     ulid.Make().String(),
			Type:   "tool_call",
			CallID: e.CallID,
			Tool:   e.Tool,
			Args:   e.Args,
		})
		a.c.bus.Publish(event.Event{Type: event.ToolStart, Data: event.ToolData{
			OperationID: a.params.id,
			CallID:      e.CallID,
			Tool:        e.Tool,
			Args:        e.Args,
		}})
		a.publishUpdate()

	case runner.ToolResult:
		output := e.Output
		a.appendSpan(&types.ToolResultSpan{
			ID:     ulid.Make().String(),
			Type:   "tool_result",
			CallID: e.CallID,
			Output: &output,
		})
		a.finishTool(e.CallID, output, false)
		a.publishUpdate()

	case runner.ToolError:
		message := e.Message
		a.appendSpan(&types.ToolResultSpan{
			ID:     ulid.Make().String(),
			Type:   "tool_result",
			CallID: e.CallID,
			Error:  &message,
		})
		a.finishTool(e.CallID, message, true)
		a.publishUpdate()

	case runner.StepUsage:
		if a.msg.Tokens == nil {
			a.msg.Tokens = &types.TokenUsage{}
		}
		a.msg.Tokens.Add(e.Usage)
		a.c.addUsage(a.params.id, e.Usage)

	case runner.Finish:
		a.msg.Stop = mapFinishReason(e.Reason)

	case runner.OMStatus:
		a.c.om.ApplySnapshot(a.params.threadID, e.Snapshot)
		snap := e.Snapshot
		a.appendSpan(&types.OMNoteSpan{
			ID:       ulid.Make().String(),
			Type:     "om_note",
			Note:     omStatusNote(e.Snapshot),
			Snapshot: &snap,
		})
		a.publishUpdate()

	case runner.OMLifecycle:
		a.c.om.ApplyLifecycle(e)

	case runner.OMActivation:
		a.c.om.SetEnabled(e.Enabled)
	}
}

func (a *Assembler) appendSpan(span types.Span) {
	a.ensureStarted()
	a.spanIndex[span.SpanID()] = len(a.msg.Spans)
	a.msg.Spans = append(a.msg.Spans, span)
}

func (a *Assembler) ensureStarted() {
	if a.started {
		return
	}
	a.started = true
	a.c.bus.Publish(event.Event{Type: event.MessageStart, Data: event.MessageData{
		OperationID: a.params.id,
		Message:     a.msg,
	}})
}

func (a *Assembler) publishUpdate() {
	a.c.bus.Publish(event.Event{Type: event.MessageUpdate, Data: event.MessageData{
		OperationID: a.params.id,
		Message:     a.msg,
	}})
}

// finishTool emits tool_end and fires post-tool-use hooks without blocking
// the stream.
func (a *Assembler) finishTool(callID, output string, failed bool) {
	var tool string
	var args map[string]any
	if idx, ok := a.callIndex[callID]; ok {
		if call, ok := a.msg.Spans[idx].(*types.ToolCallSpan); ok {
			tool = call.Tool
			args = call.Args
		}
	}

	a.c.bus.Publish(event.Event{Type: event.ToolEnd, Data: event.ToolData{
		OperationID: a.params.id,
		CallID:      callID,
		Tool:        tool,
		Args:        args,
		Output:      output,
		Failed:      failed,
	}})

	hc := hook.ToolContext{
		ThreadID: a.params.threadID,
		CallID:   callID,
		Tool:     tool,
		Args:     args,
		Output:   output,
		Failed:   failed,
	}
	go func() {
		if err := a.c.hooks.RunPostToolUse(context.Background(), hc); err != nil {
			logging.Warn().Err(err).Str("tool", tool).Msg("post-tool-use hook failed")
		}
	}()
}

// Finalize closes the message after a clean stream end. Returns nil when no
// event ever touched the message.
func (a *Assembler) Finalize() *types.Message {
	if !a.started {
		return nil
	}
	if a.msg.Stop == "" {
		a.msg.Stop = types.StopComplete
	}
	a.publishEnd()
	return a.msg
}

// Abort closes a partial message after a user abort.
func (a *Assembler) Abort() *types.Message {
	if !a.started {
		return nil
	}
	a.msg.Stop = types.StopAborted
	a.publishEnd()
	return a.msg
}

// Fail closes a partial message after a run failure, attaching the error.
func (a *Assembler) Fail(runErr *types.RunError) *types.Message {
	if !a.started {
		return nil
	}
	a.msg.Stop = types.StopError
	a.msg.Error = runErr
	a.publishEnd()
	return a.msg
}

func (a *Assembler) publishEnd() {
	a.c.bus.Publish(event.Event{Type: event.MessageEnd, Data: event.MessageData{
		OperationID: a.params.id,
		Message:     a.msg,
	}})
}

// mapFinishReason normalizes provider finish reasons onto the stop vocabulary.
// Unrecognized reasons map to complete with a warning rather than failing the
// run.
func mapFinishReason(reason string) types.StopReason {
	switch reason {
	case "stop", "end-turn", "end_turn":
		return types.StopComplete
	case "tool-calls", "tool_calls", "tool-use", "tool_use":
		return types.StopToolUse
	default:
		logging.Warn().Str("reason", reason).Msg("unrecognized finish reason, treating as complete")
		return types.StopComplete
	}
}
