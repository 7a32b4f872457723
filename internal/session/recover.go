package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tillerhq/tiller/internal/event"
	"github.com/tillerhq/tiller/internal/hook"
	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/pkg/types"
)

// toolNotFoundRe matches the provider rejection for a tool name the service
// does not know.
var toolNotFoundRe = regexp.MustCompile(`(?i)\btool\s+"?([A-Za-z0-9_.\-]+)"?\s+not\s+found`)

// trailingAssistantRe matches the provider rejection for a conversation that
// ends on an assistant turn.
var trailingAssistantRe = regexp.MustCompile(`(?i)(last|final)\s+message\s+must\s+be\s+(a\s+|from\s+(the\s+)?)?user|ends?\s+with\s+an?\s+assistant`)

// recoverRun handles a failed operation. Callers have already verified the
// operation is current. Every path here terminates with an agent_end event;
// the two protocol recoveries additionally queue a corrective follow-up
// which endOperation drains into a fresh operation.
func (c *Controller) recoverRun(params *runParams, asm *Assembler, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if !c.wasAborted(params.id) {
			// Cancelled without a user abort: superseded, drop silently.
			return
		}
		if asm != nil {
			if msg := asm.Abort(); msg != nil {
				c.persistPartial(msg)
			}
		}
		c.hooks.RunStop(context.Background(), hook.StopContext{ThreadID: params.threadID, Reason: "aborted"})
		c.endOperation(params.id, "aborted")
		return
	}

	if m := toolNotFoundRe.FindStringSubmatch(err.Error()); m != nil {
		runErr := &types.RunError{Type: "protocol", Message: err.Error(), Retryable: true}
		c.failOperation(params, asm, runErr)
		c.unshiftQueue(fmt.Sprintf(
			"The tool %q is not available in this session. Continue without it, using only the tools you have.",
			m[1],
		))
		c.endOperation(params.id, "error")
		return
	}

	if trailingAssistantRe.MatchString(err.Error()) {
		runErr := &types.RunError{Type: "protocol", Message: err.Error(), Retryable: true}
		c.failOperation(params, asm, runErr)
		c.unshiftQueue("Continue.")
		c.endOperation(params.id, "error")
		return
	}

	runErr := classifyError(err)
	if runErr.Retryable {
		runErr.RetryDelay = c.nextRetryDelay().Milliseconds()
	}
	c.failOperation(params, asm, runErr)
	c.endOperation(params.id, "error")
}

// failOperation publishes the structured error, closes and persists the
// partial message, and runs stop hooks.
func (c *Controller) failOperation(params *runParams, asm *Assembler, runErr *types.RunError) {
	c.bus.Publish(event.Event{Type: event.Error, Data: event.ErrorData{
		OperationID: params.id,
		Type:        runErr.Type,
		Message:     runErr.Message,
		Retryable:   runErr.Retryable,
		RetryDelay:  runErr.RetryDelay,
	}})

	if asm != nil {
		if msg := asm.Fail(runErr); msg != nil {
			c.persistPartial(msg)
		}
	}
	c.hooks.RunStop(context.Background(), hook.StopContext{ThreadID: params.threadID, Reason: "error"})
}

func (c *Controller) persistPartial(msg *types.Message) {
	if err := c.threads.SaveMessage(context.Background(), msg); err != nil {
		logging.Warn().Err(err).Str("message", msg.ID).Msg("partial message persist dropped")
	}
}

// classifyError buckets a run failure by its surface.
func classifyError(err error) *types.RunError {
	text := err.Error()
	lower := strings.ToLower(text)

	switch {
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "overloaded"),
		strings.Contains(lower, "429"):
		return &types.RunError{Type: "rate_limit", Message: text, Retryable: true}

	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "authentication"),
		strings.Contains(lower, "api key"),
		strings.Contains(lower, "401"),
		strings.Contains(lower, "403"):
		return &types.RunError{Type: "auth", Message: text, Retryable: false}
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "broken pipe") {
		return &types.RunError{Type: "network", Message: text, Retryable: true}
	}

	return &types.RunError{Type: "unknown", Message: text, Retryable: false}
}

// nextRetryDelay suggests how long the UI should wait before retrying,
// growing exponentially with consecutive failures.
func (c *Controller) nextRetryDelay() time.Duration {
	c.mu.Lock()
	c.failures++
	n := c.failures
	c.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()

	var delay time.Duration
	for i := 0; i < n; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
