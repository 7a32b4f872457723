package session

import (
	"github.com/google/uuid"

	"github.com/tillerhq/tiller/internal/event"
	"github.com/tillerhq/tiller/internal/hook"
	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/internal/permission"
	"github.com/tillerhq/tiller/internal/runner"
)

// suspendForApproval handles an approval marker: pre-tool-use hooks run
// first and can force a decline, then the configured rules decide, then
// session grants, and only an ask outcome blocks on a human decision. The
// run resumes on a fresh stream either way.
func (c *Controller) suspendForApproval(params *runParams, marker runner.ApprovalRequired) (runner.EventStream, error) {
	decision := c.hooks.RunPreToolUse(params.ctx, hook.ToolContext{
		ThreadID: params.threadID,
		CallID:   marker.CallID,
		Tool:     marker.Tool,
		Args:     marker.Args,
	})
	for _, w := range decision.Warnings {
		logging.Warn().Str("hook", "pre_tool_use").Str("tool", marker.Tool).Msg(w)
	}

	var policy permission.Policy
	if !decision.Allow {
		policy = permission.Deny
		denied := &permission.DeniedError{Tool: marker.Tool, Message: decision.Reason}
		c.bus.Publish(event.Event{Type: event.Error, Data: event.ErrorData{
			OperationID: params.id,
			Type:        "hook",
			Message:     denied.Error(),
		}})
	} else {
		c.mu.Lock()
		rules := c.rules
		c.mu.Unlock()
		policy = permission.Resolve(permission.Request{Tool: marker.Tool, Args: marker.Args}, rules, params.bypass)
		if policy == permission.Ask && c.grants.Allows(marker.Tool) {
			policy = permission.Allow
		}
	}

	if policy == permission.Ask {
		answer, err := c.awaitApproval(params, marker)
		if err != nil {
			// Superseded or aborted while suspended; the pending entry
			// stays behind and resolves into nothing.
			return nil, err
		}
		policy = c.applyDecision(answer, marker.Tool)
	}

	if policy == permission.Allow {
		return c.exec.ResumeWithApproval(params.ctx, marker.RunID, marker.CallID)
	}
	return c.exec.ResumeWithDecline(params.ctx, marker.RunID, marker.CallID)
}

// awaitApproval parks the operation on a one-shot channel until the decision
// arrives or the operation's context ends.
func (c *Controller) awaitApproval(params *runParams, marker runner.ApprovalRequired) (ApprovalDecision, error) {
	requestID := uuid.NewString()
	ch := make(chan ApprovalDecision, 1)

	c.mu.Lock()
	c.sess.pendingApprovals[requestID] = ch
	c.mu.Unlock()

	c.bus.Publish(event.Event{Type: event.ToolApprovalRequired, Data: event.ApprovalRequiredData{
		RequestID:   requestID,
		OperationID: params.id,
		CallID:      marker.CallID,
		ToolName:    marker.Tool,
		Args:        marker.Args,
	}})

	select {
	case answer := <-ch:
		return answer, nil
	case <-params.ctx.Done():
		return "", params.ctx.Err()
	}
}

// applyDecision converts the human decision into a policy, recording
// session grants for the "always" variants.
func (c *Controller) applyDecision(answer ApprovalDecision, tool string) permission.Policy {
	switch answer {
	case ApproveOnce:
		return permission.Allow
	case AlwaysAllowTool:
		c.grants.GrantTool(tool)
		return permission.Allow
	case AlwaysAllowCategory:
		if category, ok := permission.Categorize(tool); ok {
			c.grants.GrantCategory(category)
		} else {
			c.grants.GrantTool(tool)
		}
		return permission.Allow
	default:
		return permission.Deny
	}
}
