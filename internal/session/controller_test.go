package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerhq/tiller/internal/event"
	"github.com/tillerhq/tiller/internal/hook"
	"github.com/tillerhq/tiller/internal/runner"
	"github.com/tillerhq/tiller/internal/store"
	"github.com/tillerhq/tiller/internal/thread"
	"github.com/tillerhq/tiller/pkg/types"
)

// streamStep is one scripted Recv outcome. A non-nil wait channel blocks the
// step until the test releases it.
type streamStep struct {
	ev   runner.Event
	wait chan struct{}
	err  error
}

type fakeStream struct {
	mu    sync.Mutex
	steps []streamStep
	i     int
}

func (s *fakeStream) Recv() (runner.Event, error) {
	s.mu.Lock()
	if s.i >= len(s.steps) {
		s.mu.Unlock()
		return nil, io.EOF
	}
	step := s.steps[s.i]
	s.i++
	s.mu.Unlock()

	if step.wait != nil {
		<-step.wait
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.ev, nil
}

func (s *fakeStream) Close() error { return nil }

func events(evs ...runner.Event) []streamStep {
	steps := make([]streamStep, len(evs))
	for i, ev := range evs {
		steps[i] = streamStep{ev: ev}
	}
	return steps
}

// fakeService replays scripted streams in order and records every request
// and resume decision.
type fakeService struct {
	mu      sync.Mutex
	streams []*fakeStream
	resumes []*fakeStream

	requests []runner.StreamRequest
	approved []string
	declined []string
}

func (f *fakeService) Stream(ctx context.Context, req runner.StreamRequest) (runner.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.streams) == 0 {
		return &fakeStream{}, nil
	}
	st := f.streams[0]
	f.streams = f.streams[1:]
	return st, nil
}

func (f *fakeService) popResume() runner.EventStream {
	if len(f.resumes) == 0 {
		return &fakeStream{}
	}
	st := f.resumes[0]
	f.resumes = f.resumes[1:]
	return st
}

func (f *fakeService) ResumeWithApproval(ctx context.Context, runID, callID string) (runner.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, callID)
	return f.popResume(), nil
}

func (f *fakeService) ResumeWithDecline(ctx context.Context, runID, callID string) (runner.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined = append(f.declined, callID)
	return f.popResume(), nil
}

func (f *fakeService) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeService) request(i int) runner.StreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type harness struct {
	t        *testing.T
	bus      *event.Bus
	ctrl     *Controller
	svc      *fakeService
	threads  *thread.Service
	settings *thread.Settings
	hooks    *hook.Registry

	mu     sync.Mutex
	events []event.Event
}

func testConfig() *types.Config {
	return &types.Config{
		DefaultMode: "build",
		Modes: map[string]types.Mode{
			"build": {Name: "Build", Model: "model-a"},
			"plan":  {Name: "Plan", Model: "model-a"},
		},
		ResourceID: "res-test",
	}
}

func newHarness(t *testing.T, cfg *types.Config, svc *fakeService) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	st := store.New(t.TempDir())
	threads := thread.NewService(st)
	settings := thread.NewSettings(threads, st)
	bus := event.NewBus()
	hooks := hook.NewRegistry()

	ctrl, err := NewController(cfg, bus, svc, threads, settings, hooks)
	require.NoError(t, err)

	h := &harness{t: t, bus: bus, ctrl: ctrl, svc: svc, threads: threads, settings: settings, hooks: hooks}
	bus.SubscribeAll(func(ev event.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})

	t.Cleanup(func() {
		ctrl.Close()
		bus.Close()
	})
	return h
}

func (h *harness) snapshotEvents() []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]event.Event, len(h.events))
	copy(out, h.events)
	return out
}

func (h *harness) eventTypes() []event.Type {
	var out []event.Type
	for _, ev := range h.snapshotEvents() {
		out = append(out, ev.Type)
	}
	return out
}

func (h *harness) count(t event.Type) int {
	n := 0
	for _, ev := range h.snapshotEvents() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (h *harness) find(t event.Type) (event.Event, bool) {
	for _, ev := range h.snapshotEvents() {
		if ev.Type == t {
			return ev, true
		}
	}
	return event.Event{}, false
}

// waitFor polls until the predicate holds over the collected events.
func (h *harness) waitFor(pred func([]event.Event) bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return pred(h.snapshotEvents())
	}, 2*time.Second, 2*time.Millisecond)
}

func (h *harness) waitForEnds(n int) {
	h.t.Helper()
	h.waitFor(func(evs []event.Event) bool {
		ends := 0
		for _, ev := range evs {
			if ev.Type == event.AgentEnd {
				ends++
			}
		}
		return ends >= n
	})
}

func endReasons(evs []event.Event) []string {
	var out []string
	for _, ev := range evs {
		if ev.Type == event.AgentEnd {
			out = append(out, ev.Data.(event.AgentEndData).Reason)
		}
	}
	return out
}

func TestController_CompletedRunEventOrder(t *testing.T) {
	svc := &fakeService{streams: []*fakeStream{{steps: events(
		runner.TextStart{SpanID: "s1"},
		runner.TextDelta{SpanID: "s1", Text: "Hel"},
		runner.TextDelta{SpanID: "s1", Text: "lo"},
		runner.StepUsage{Usage: types.TokenUsage{Input: 10, Output: 5}},
		runner.Finish{Reason: "stop"},
	)}}}
	h := newHarness(t, nil, svc)

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "hi"))
	h.waitForEnds(1)

	assert.Equal(t, []event.Type{
		event.ThreadCreated,
		event.StateChanged,
		event.AgentStart,
		event.MessageStart,
		event.MessageUpdate,
		event.MessageUpdate,
		event.MessageUpdate,
		event.UsageUpdate,
		event.MessageEnd,
		event.AgentEnd,
		event.StateChanged,
	}, h.eventTypes())

	end, _ := h.find(event.AgentEnd)
	assert.Equal(t, "complete", end.Data.(event.AgentEndData).Reason)

	last := h.snapshotEvents()[len(h.snapshotEvents())-1]
	assert.Equal(t, "idle", last.Data.(event.StateChangedData).State)
}

func TestController_AssembledMessagePersisted(t *testing.T) {
	svc := &fakeService{streams: []*fakeStream{{steps: events(
		runner.TextStart{SpanID: "s1"},
		runner.TextDelta{SpanID: "s1", Text: "Hello"},
		runner.Finish{Reason: "stop"},
	)}}}
	h := newHarness(t, nil, svc)

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "hi"))
	h.waitForEnds(1)

	messages, err := h.ctrl.Messages(context.Background(), thread.Page{})
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, types.StopComplete, messages[1].Stop)

	text, ok := messages[1].Spans[0].(*types.TextSpan)
	require.True(t, ok)
	assert.Equal(t, "Hello", text.Text)
}

func TestController_UnknownDeltaDropped(t *testing.T) {
	svc := &fakeService{streams: []*fakeStream{{steps: events(
		runner.TextDelta{SpanID: "ghost", Text: "never"},
		runner.TextStart{SpanID: "s1"},
		runner.TextDelta{SpanID: "s1", Text: "kept"},
		runner.Finish{Reason: "stop"},
	)}}}
	h := newHarness(t, nil, svc)

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "hi"))
	h.waitForEnds(1)

	messages, err := h.ctrl.Messages(context.Background(), thread.Page{})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Len(t, messages[1].Spans, 1)
	assert.Equal(t, "kept", messages[1].Spans[0].(*types.TextSpan).Text)
}

func TestController_FollowUpQueuedWhileRunningDrainsFIFO(t *testing.T) {
	gate := make(chan struct{})
	svc := &fakeService{streams: []*fakeStream{
		{steps: []streamStep{
			{ev: runner.TextStart{SpanID: "s1"}},
			{ev: runner.Finish{Reason: "stop"}, wait: gate},
		}},
		{steps: events(runner.Finish{Reason: "stop"})},
		{steps: events(runner.Finish{Reason: "stop"})},
	}}
	h := newHarness(t, nil, svc)

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "first"))
	h.waitFor(func(evs []event.Event) bool {
		for _, ev := range evs {
			if ev.Type == event.MessageStart {
				return true
			}
		}
		return false
	})

	// Live operation: both messages queue instead of starting.
	require.NoError(t, h.ctrl.SendMessage(context.Background(), "second"))
	require.NoError(t, h.ctrl.FollowUp(context.Background(), "third"))

	assert.Equal(t, 2, h.ctrl.Snapshot().QueueLength)
	assert.Equal(t, 2, h.count(event.FollowUpQueued))

	close(gate)
	h.waitForEnds(3)

	require.Equal(t, 3, svc.requestCount())
	lastText := func(req runner.StreamRequest) string {
		msg := req.Messages[len(req.Messages)-1]
		return msg.Spans[0].(*types.TextSpan).Text
	}
	assert.Equal(t, "first", lastText(svc.request(0)))
	assert.Equal(t, "second", lastText(svc.request(1)))
	assert.Equal(t, "third", lastText(svc.request(2)))
	assert.Equal(t, 0, h.ctrl.Snapshot().QueueLength)
}

func TestController_SteerSupersedesAndClearsQueue(t *testing.T) {
	gate := make(chan struct{})
	svc := &fakeService{streams: []*fakeStream{
		{steps: []streamStep{
			{ev: runner.TextStart{SpanID: "s1"}},
			{ev: runner.TextDelta{SpanID: "s1", Text: "stale"}, wait: gate},
			{ev: runner.Finish{Reason: "stop"}},
		}},
		{steps: events(
			runner.TextStart{SpanID: "s2"},
			runner.Finish{Reason: "stop"},
		)},
	}}
	h := newHarness(t, nil, svc)

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "first"))
	h.waitFor(func(evs []event.Event) bool {
		for _, ev := range evs {
			if ev.Type == event.MessageStart {
				return true
			}
		}
		return false
	})
	require.NoError(t, h.ctrl.SendMessage(context.Background(), "queued"))

	require.NoError(t, h.ctrl.Steer(context.Background(), "redirect"))
	h.waitForEnds(1)

	// Only the steering operation terminates; the superseded one is silent.
	assert.Equal(t, []string{"complete"}, endReasons(h.snapshotEvents()))
	assert.Equal(t, 0, h.ctrl.Snapshot().QueueLength)
	assert.Equal(t, uint64(2), h.ctrl.Snapshot().OperationID)

	// Release the stale stream; its trailing events must not surface.
	before := h.count(event.MessageUpdate)
	close(gate)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, h.count(event.MessageUpdate))
	assert.Equal(t, 1, h.count(event.AgentEnd))
}

func TestController_AbortReportsAbortedAndKeepsQueue(t *testing.T) {
	gate := make(chan struct{})
	svc := &fakeService{streams: []*fakeStream{
		{steps: []streamStep{
			{ev: runner.TextStart{SpanID: "s1"}},
			{ev: runner.TextDelta{SpanID: "s1", Text: "partial"}},
			{ev: runner.Finish{Reason: "stop"}, wait: gate},
		}},
	}}
	h := newHarness(t, nil, svc)

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "work"))
	h.waitFor(func(evs []event.Event) bool {
		for _, ev := range evs {
			if ev.Type == event.MessageUpdate {
				return true
			}
		}
		return false
	})
	require.NoError(t, h.ctrl.FollowUp(context.Background(), "later"))

	h.ctrl.Abort()
	close(gate)
	h.waitForEnds(1)

	assert.Equal(t, []string{"aborted"}, endReasons(h.snapshotEvents()))
	// An abort does not drain the queue.
	assert.Equal(t, 1, h.ctrl.Snapshot().QueueLength)

	// The partial message is kept with the aborted stop reason.
	messages, err := h.ctrl.Messages(context.Background(), thread.Page{})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, types.StopAborted, messages[1].Stop)
}

func TestController_PromptHookDenialBlocksStart(t *testing.T) {
	svc := &fakeService{}
	h := newHarness(t, nil, svc)
	h.hooks.OnPromptSubmit(func(ctx context.Context, hc hook.PromptContext) hook.Decision {
		return hook.Decision{Allow: false, Reason: "prompt rejected"}
	})

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "blocked"))

	errEv, ok := h.find(event.Error)
	require.True(t, ok)
	assert.Equal(t, "hook", errEv.Data.(event.ErrorData).Type)
	assert.Equal(t, "prompt rejected", errEv.Data.(event.ErrorData).Message)

	assert.Equal(t, 0, h.count(event.AgentStart))
	assert.Equal(t, 0, svc.requestCount())
	assert.Equal(t, "idle", h.ctrl.Snapshot().State)
}

func TestController_SwitchMode(t *testing.T) {
	h := newHarness(t, nil, &fakeService{})

	require.Error(t, h.ctrl.SwitchMode("ghost"))

	require.NoError(t, h.ctrl.SwitchMode("plan"))
	assert.Equal(t, "plan", h.ctrl.Snapshot().ModeID)
	ev, ok := h.find(event.ModeChanged)
	require.True(t, ok)
	assert.Equal(t, "plan", ev.Data.(event.ModeChangedData).ModeID)
}

func TestController_SwitchModelPersistsChoice(t *testing.T) {
	svc := &fakeService{streams: []*fakeStream{{steps: events(runner.Finish{Reason: "stop"})}}}
	h := newHarness(t, nil, svc)
	ctx := context.Background()

	require.NoError(t, h.ctrl.SendMessage(ctx, "create thread"))
	h.waitForEnds(1)

	h.ctrl.SwitchModel(ctx, "model-b")

	assert.Equal(t, "model-b", h.ctrl.Snapshot().ModelID)
	threadID := h.ctrl.Snapshot().ThreadID
	assert.Equal(t, "model-b", h.settings.ModelForMode(ctx, threadID, "build", "model-a"))
}

func TestController_ModelResolvedAtStart(t *testing.T) {
	svc := &fakeService{streams: []*fakeStream{
		{steps: events(runner.Finish{Reason: "stop"})},
		{steps: events(runner.Finish{Reason: "stop"})},
	}}
	h := newHarness(t, nil, svc)
	ctx := context.Background()

	require.NoError(t, h.ctrl.SendMessage(ctx, "first"))
	h.waitForEnds(1)
	assert.Equal(t, "model-a", svc.request(0).ModelID)

	h.ctrl.SwitchModel(ctx, "model-b")
	require.NoError(t, h.ctrl.SendMessage(ctx, "second"))
	h.waitForEnds(2)
	assert.Equal(t, "model-b", svc.request(1).ModelID)
}

func TestController_UsageAccumulatesAcrossOperations(t *testing.T) {
	svc := &fakeService{streams: []*fakeStream{
		{steps: events(runner.StepUsage{Usage: types.TokenUsage{Input: 10, Output: 2}}, runner.Finish{Reason: "stop"})},
		{steps: events(runner.StepUsage{Usage: types.TokenUsage{Input: 5, Output: 1}}, runner.Finish{Reason: "stop"})},
	}}
	h := newHarness(t, nil, svc)
	ctx := context.Background()

	require.NoError(t, h.ctrl.SendMessage(ctx, "a"))
	h.waitForEnds(1)
	require.NoError(t, h.ctrl.SendMessage(ctx, "b"))
	h.waitForEnds(2)

	usage := h.ctrl.Snapshot().Usage
	assert.Equal(t, 15, usage.Input)
	assert.Equal(t, 3, usage.Output)
}

func TestController_SwitchThread(t *testing.T) {
	svc := &fakeService{streams: []*fakeStream{{steps: events(runner.Finish{Reason: "stop"})}}}
	h := newHarness(t, nil, svc)
	ctx := context.Background()

	require.Error(t, h.ctrl.SwitchThread(ctx, "missing"))

	other, err := h.threads.Create(ctx, "res-test", "elsewhere")
	require.NoError(t, err)

	require.NoError(t, h.ctrl.SwitchThread(ctx, other.ID))
	assert.Equal(t, other.ID, h.ctrl.Snapshot().ThreadID)

	ev, ok := h.find(event.ThreadChanged)
	require.True(t, ok)
	assert.Equal(t, other.ID, ev.Data.(event.ThreadData).Thread.ID)

	// Loading a thread republishes the memory progress model.
	assert.GreaterOrEqual(t, h.count(event.OMStatus), 1)
}

func TestNewController_RequiresDefaultMode(t *testing.T) {
	st := store.New(t.TempDir())
	threads := thread.NewService(st)
	settings := thread.NewSettings(threads, st)
	bus := event.NewBus()
	defer bus.Close()

	_, err := NewController(&types.Config{}, bus, &fakeService{}, threads, settings, nil)
	assert.Error(t, err)

	_, err = NewController(&types.Config{DefaultMode: "ghost"}, bus, &fakeService{}, threads, settings, nil)
	assert.Error(t, err)
}

func TestController_SwitchThreadToCurrentIsNoOp(t *testing.T) {
	svc := &fakeService{streams: []*fakeStream{{steps: events(
		runner.TextStart{SpanID: "s1"},
		runner.TextDelta{SpanID: "s1", Text: "hi"},
		runner.Finish{Reason: "stop"},
	)}}}
	h := newHarness(t, nil, svc)

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "hello"))
	h.waitForEnds(1)
	threadID := h.ctrl.Snapshot().ThreadID
	require.NotEmpty(t, threadID)

	// The session already holds this thread's lock; re-selecting it must
	// return immediately instead of blocking on a second acquisition.
	done := make(chan error, 1)
	go func() { done <- h.ctrl.SwitchThread(context.Background(), threadID) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("switching to the current thread did not return")
	}

	assert.Equal(t, threadID, h.ctrl.Snapshot().ThreadID)
	assert.Equal(t, 0, h.count(event.ThreadChanged))
}
