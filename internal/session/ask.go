package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/tillerhq/tiller/internal/event"
)

// AskQuestion blocks until the user answers or ctx ends. Callers pass the
// operation context so an abandoned question unblocks on supersession.
func (c *Controller) AskQuestion(ctx context.Context, question string) (string, error) {
	requestID := uuid.NewString()
	ch := make(chan string, 1)

	c.mu.Lock()
	c.sess.pendingQuestions[requestID] = ch
	c.mu.Unlock()

	c.bus.Publish(event.Event{Type: event.QuestionAsked, Data: event.QuestionData{
		RequestID: requestID,
		Question:  question,
	}})

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RequestPlanApproval blocks until the user approves or rejects the plan, or
// ctx ends.
func (c *Controller) RequestPlanApproval(ctx context.Context, plan string) (bool, error) {
	requestID := uuid.NewString()
	ch := make(chan bool, 1)

	c.mu.Lock()
	c.sess.pendingPlans[requestID] = ch
	c.mu.Unlock()

	c.bus.Publish(event.Event{Type: event.PlanApproval, Data: event.PlanApprovalData{
		RequestID: requestID,
		Plan:      plan,
	}})

	select {
	case approved := <-ch:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
