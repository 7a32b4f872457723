package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerhq/tiller/internal/event"
)

func TestController_AskQuestionResolved(t *testing.T) {
	h := newHarness(t, nil, &fakeService{})

	type result struct {
		answer string
		err    error
	}
	got := make(chan result, 1)
	go func() {
		answer, err := h.ctrl.AskQuestion(context.Background(), "Which file should I edit?")
		got <- result{answer, err}
	}()

	var asked event.QuestionData
	h.waitFor(func(evs []event.Event) bool {
		for _, ev := range evs {
			if ev.Type == event.QuestionAsked {
				asked = ev.Data.(event.QuestionData)
				return true
			}
		}
		return false
	})
	assert.Equal(t, "Which file should I edit?", asked.Question)

	require.NoError(t, h.ctrl.RespondToQuestion(asked.RequestID, "main.go"))

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.Equal(t, "main.go", r.answer)
	case <-time.After(2 * time.Second):
		t.Fatal("question was answered but the ask never returned")
	}
}

func TestController_AskQuestionAbandonedOnCancel(t *testing.T) {
	h := newHarness(t, nil, &fakeService{})

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan error, 1)
	go func() {
		_, err := h.ctrl.AskQuestion(ctx, "Continue?")
		got <- err
	}()

	h.waitFor(func(evs []event.Event) bool {
		for _, ev := range evs {
			if ev.Type == event.QuestionAsked {
				return true
			}
		}
		return false
	})

	cancel()
	select {
	case err := <-got:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled ask did not return")
	}
}

func TestController_RespondToQuestionUnknownRequest(t *testing.T) {
	h := newHarness(t, nil, &fakeService{})
	err := h.ctrl.RespondToQuestion("nope", "answer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestController_PlanApprovalResolved(t *testing.T) {
	h := newHarness(t, nil, &fakeService{})

	type result struct {
		approved bool
		err      error
	}
	got := make(chan result, 1)
	go func() {
		approved, err := h.ctrl.RequestPlanApproval(context.Background(), "1. refactor\n2. test")
		got <- result{approved, err}
	}()

	var req event.PlanApprovalData
	h.waitFor(func(evs []event.Event) bool {
		for _, ev := range evs {
			if ev.Type == event.PlanApproval {
				req = ev.Data.(event.PlanApprovalData)
				return true
			}
		}
		return false
	})
	assert.Equal(t, "1. refactor\n2. test", req.Plan)

	require.NoError(t, h.ctrl.RespondToPlanApproval(req.RequestID, true))

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.True(t, r.approved)
	case <-time.After(2 * time.Second):
		t.Fatal("plan was approved but the request never returned")
	}
}

func TestController_PlanApprovalRejected(t *testing.T) {
	h := newHarness(t, nil, &fakeService{})

	got := make(chan bool, 1)
	go func() {
		approved, err := h.ctrl.RequestPlanApproval(context.Background(), "plan")
		require.NoError(t, err)
		got <- approved
	}()

	var req event.PlanApprovalData
	h.waitFor(func(evs []event.Event) bool {
		for _, ev := range evs {
			if ev.Type == event.PlanApproval {
				req = ev.Data.(event.PlanApprovalData)
				return true
			}
		}
		return false
	})

	require.NoError(t, h.ctrl.RespondToPlanApproval(req.RequestID, false))
	select {
	case approved := <-got:
		assert.False(t, approved)
	case <-time.After(2 * time.Second):
		t.Fatal("rejected plan request never returned")
	}
}

func TestController_RespondToPlanApprovalUnknownRequest(t *testing.T) {
	h := newHarness(t, nil, &fakeService{})
	require.Error(t, h.ctrl.RespondToPlanApproval("missing", true))
}

func TestController_AbandonedQuestionResolvesIntoNothing(t *testing.T) {
	h := newHarness(t, nil, &fakeService{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _ = h.ctrl.AskQuestion(ctx, "still there?")
	}()

	var asked event.QuestionData
	h.waitFor(func(evs []event.Event) bool {
		for _, ev := range evs {
			if ev.Type == event.QuestionAsked {
				asked = ev.Data.(event.QuestionData)
				return true
			}
		}
		return false
	})
	cancel()

	// The entry stays behind after abandonment; answering it later is
	// accepted and lands in the buffered channel, never blocking.
	require.NoError(t, h.ctrl.RespondToQuestion(asked.RequestID, "late"))
	require.Error(t, h.ctrl.RespondToQuestion(asked.RequestID, "again"))
}
