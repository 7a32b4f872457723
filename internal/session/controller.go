package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tillerhq/tiller/internal/event"
	"github.com/tillerhq/tiller/internal/hook"
	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/internal/permission"
	"github.com/tillerhq/tiller/internal/runner"
	"github.com/tillerhq/tiller/internal/store"
	"github.com/tillerhq/tiller/internal/thread"
	"github.com/tillerhq/tiller/pkg/types"
)

// Controller owns the single active operation per session: it assigns
// monotonic operation ids, drives the execution stream through the
// assembler, suspends around approval decisions, and guarantees that
// superseded operations are inert.
type Controller struct {
	mu sync.Mutex

	cfg   *types.Config
	rules permission.RuleSet

	bus      *event.Bus
	exec     runner.Service
	threads  *thread.Service
	settings *thread.Settings
	hooks    *hook.Registry
	grants   *permission.Grants
	om       *OMAggregator

	sess       *Session
	threadLock *store.FileLock

	// failures counts consecutive run failures, feeding the suggested
	// retry delay. Reset on the next successful completion.
	failures int
}

// NewController creates the session controller. A missing or undefined
// default mode is a hard setup failure.
func NewController(
	cfg *types.Config,
	bus *event.Bus,
	exec runner.Service,
	threads *thread.Service,
	settings *thread.Settings,
	hooks *hook.Registry,
) (*Controller, error) {
	if cfg.DefaultMode == "" {
		return nil, errors.New("no default mode configured")
	}
	mode, ok := cfg.Modes[cfg.DefaultMode]
	if !ok {
		return nil, fmt.Errorf("default mode %q is not defined", cfg.DefaultMode)
	}
	if hooks == nil {
		hooks = hook.NewRegistry()
	}

	sess := newSession(cfg.ResourceID, cfg.DefaultMode)
	sess.ModelID = mode.Model

	return &Controller{
		cfg:      cfg,
		rules:    rulesFromConfig(cfg.Permissions),
		bus:      bus,
		exec:     exec,
		threads:  threads,
		settings: settings,
		hooks:    hooks,
		grants:   permission.NewGrants(),
		om:       NewOMAggregator(bus, settings),
		sess:     sess,
	}, nil
}

func rulesFromConfig(pc types.PermissionConfig) permission.RuleSet {
	rules := permission.RuleSet{
		Tools:      make(map[string]permission.Policy),
		Categories: make(map[permission.Category]permission.Policy),
		Shell:      make(map[string]permission.Policy),
		Edit:       make(map[string]permission.Policy),
	}
	for tool, p := range pc.Tools {
		rules.Tools[tool] = permission.ParsePolicy(p)
	}
	for category, p := range pc.Categories {
		rules.Categories[permission.Category(category)] = permission.ParsePolicy(p)
	}
	for pattern, p := range pc.Shell {
		rules.Shell[pattern] = permission.ParsePolicy(p)
	}
	for pattern, p := range pc.Edit {
		rules.Edit[pattern] = permission.ParsePolicy(p)
	}
	return rules
}

// ApplyConfig swaps in a reloaded configuration. The active session keeps
// its mode if the new config still defines it.
func (c *Controller) ApplyConfig(cfg *types.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.rules = rulesFromConfig(cfg.Permissions)
	if _, ok := cfg.Modes[c.sess.ModeID]; !ok {
		c.sess.ModeID = cfg.DefaultMode
	}
}

// current reports whether id is still the live operation epoch.
func (c *Controller) current(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.opSeq == id
}

func (c *Controller) wasAborted(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.abortedOp == id
}

// SendMessage starts a new operation for the user's message. If an
// operation is already live the message is queued as a follow-up.
func (c *Controller) SendMessage(ctx context.Context, content string) error {
	c.mu.Lock()
	if c.sess.cancel != nil {
		pos := c.enqueueLocked(content)
		c.mu.Unlock()
		c.bus.Publish(event.Event{Type: event.FollowUpQueued, Data: event.FollowUpQueuedData{Position: pos, Content: content}})
		return nil
	}
	c.mu.Unlock()
	return c.start(ctx, content)
}

// Steer interrupts the running operation with an immediate replacement: the
// current handle is cancelled, the follow-up queue discarded, and the new
// message started. Trailing events from the old stream are no-ops.
func (c *Controller) Steer(ctx context.Context, content string) error {
	c.mu.Lock()
	c.sess.queue = nil
	if c.sess.cancel != nil {
		c.sess.cancel()
		c.sess.cancel = nil
	}
	c.mu.Unlock()
	return c.start(ctx, content)
}

// FollowUp queues a message to run after the current operation completes,
// or starts it immediately when idle.
func (c *Controller) FollowUp(ctx context.Context, content string) error {
	c.mu.Lock()
	if c.sess.cancel != nil {
		pos := c.enqueueLocked(content)
		c.mu.Unlock()
		c.bus.Publish(event.Event{Type: event.FollowUpQueued, Data: event.FollowUpQueuedData{Position: pos, Content: content}})
		return nil
	}
	c.mu.Unlock()
	return c.start(ctx, content)
}

// Abort cancels the running operation without starting anything. The
// cancellation is recorded so the terminal event reads "aborted", not
// "error".
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.cancel == nil {
		return
	}
	c.sess.abortedOp = c.sess.opSeq
	c.sess.cancel()
}

func (c *Controller) enqueueLocked(content string) int {
	c.sess.queue = append(c.sess.queue, content)
	return len(c.sess.queue)
}

func (c *Controller) unshiftQueue(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.queue = append([]string{content}, c.sess.queue...)
}

// runParams captures everything an operation needs, resolved at start time
// so later session mutations cannot leak into a running operation.
type runParams struct {
	ctx      context.Context
	id       uint64
	threadID string
	modeID   string
	modelID  string
	prompt   string
	tools    []string
	thinking string
	bypass   bool
}

// start begins a new operation. Mutation happens under the lock; events are
// published after release so subscribers may call back into the controller.
func (c *Controller) start(ctx context.Context, content string) error {
	c.mu.Lock()
	params, evs, err := c.prepareStart(ctx, content)
	c.mu.Unlock()

	for _, ev := range evs {
		c.bus.Publish(ev)
	}
	if err != nil || params == nil {
		return err
	}

	go c.run(params)
	return nil
}

func (c *Controller) prepareStart(ctx context.Context, content string) (*runParams, []event.Event, error) {
	var evs []event.Event

	if c.sess.cancel != nil {
		// Raced with another start; fall back to queueing.
		pos := c.enqueueLocked(content)
		evs = append(evs, event.Event{Type: event.FollowUpQueued, Data: event.FollowUpQueuedData{Position: pos, Content: content}})
		return nil, evs, nil
	}

	if c.sess.ThreadID == "" {
		t, err := c.threads.Create(ctx, c.sess.ResourceID, "")
		if err != nil {
			return nil, evs, fmt.Errorf("create thread: %w", err)
		}
		lock, err := c.threads.Lock(t.ID)
		if err != nil {
			return nil, evs, fmt.Errorf("lock thread: %w", err)
		}
		c.sess.ThreadID = t.ID
		c.threadLock = lock
		evs = append(evs, event.Event{Type: event.ThreadCreated, Data: event.ThreadData{Thread: t}})
	}

	decision := c.hooks.RunPromptSubmit(ctx, hook.PromptContext{
		ThreadID: c.sess.ThreadID,
		ModeID:   c.sess.ModeID,
		Content:  content,
	})
	for _, w := range decision.Warnings {
		logging.Warn().Str("hook", "prompt_submit").Msg(w)
	}
	if !decision.Allow {
		evs = append(evs, event.Event{Type: event.Error, Data: event.ErrorData{
			Type:    "hook",
			Message: decision.Reason,
		}})
		return nil, evs, nil
	}

	mode := c.cfg.Modes[c.sess.ModeID]
	modelID := c.settings.ModelForMode(ctx, c.sess.ThreadID, c.sess.ModeID, mode.Model)
	if modelID == "" {
		modelID = c.sess.ModelID
	}

	userMsg := &types.Message{
		ID:       ulid.Make().String(),
		ThreadID: c.sess.ThreadID,
		Role:     "user",
		ModeID:   c.sess.ModeID,
		Spans:    []types.Span{&types.TextSpan{ID: ulid.Make().String(), Type: "text", Text: content}},
		Time:     types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if err := c.threads.SaveMessage(ctx, userMsg); err != nil {
		logging.Warn().Err(err).Msg("user message persist dropped")
	}

	c.sess.opSeq++
	id := c.sess.opSeq
	opCtx, cancel := context.WithCancel(context.Background())
	c.sess.cancel = cancel

	evs = append(evs,
		event.Event{Type: event.StateChanged, Data: event.StateChangedData{State: "running"}},
		event.Event{Type: event.AgentStart, Data: event.AgentStartData{OperationID: id, ThreadID: c.sess.ThreadID}},
	)

	return &runParams{
		ctx:      opCtx,
		id:       id,
		threadID: c.sess.ThreadID,
		modeID:   c.sess.ModeID,
		modelID:  modelID,
		prompt:   mode.Prompt,
		tools:    mode.Tools,
		thinking: c.settings.ThinkingLevel(ctx, c.sess.ThreadID),
		bypass:   mode.BypassApprovals || c.settings.BypassPermissions(ctx, c.sess.ThreadID),
	}, evs, nil
}

// run drives one operation from stream start to terminal event. Every side
// effect downstream re-checks the operation epoch.
func (c *Controller) run(params *runParams) {
	messages, err := c.threads.Messages(params.ctx, params.threadID, thread.Page{})
	if err != nil {
		c.finishRun(params, nil, err)
		return
	}

	stream, err := c.exec.Stream(params.ctx, runner.StreamRequest{
		ThreadID:        params.threadID,
		Messages:        messages,
		ModeID:          params.modeID,
		ModelID:         params.modelID,
		Prompt:          params.prompt,
		Tools:           params.tools,
		ThinkingLevel:   params.thinking,
		BypassApprovals: params.bypass,
	})
	if err != nil {
		c.finishRun(params, nil, err)
		return
	}

	asm := newAssembler(c, params)

	for {
		if err := params.ctx.Err(); err != nil {
			stream.Close()
			c.finishRun(params, asm, err)
			return
		}

		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stream.Close()
			c.finishRun(params, asm, err)
			return
		}

		if approval, ok := ev.(runner.ApprovalRequired); ok {
			next, err := c.suspendForApproval(params, approval)
			stream.Close()
			if err != nil {
				c.finishRun(params, asm, err)
				return
			}
			stream = next
			continue
		}

		asm.Apply(ev)
	}
	stream.Close()

	c.finishRun(params, asm, nil)
}

// finishRun terminates an operation. If the id was superseded everything is
// dropped silently.
func (c *Controller) finishRun(params *runParams, asm *Assembler, err error) {
	if !c.current(params.id) {
		return
	}

	if err != nil {
		c.recoverRun(params, asm, err)
		return
	}

	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()

	if asm != nil {
		if msg := asm.Finalize(); msg != nil {
			if serr := c.threads.SaveMessage(context.Background(), msg); serr != nil {
				logging.Warn().Err(serr).Msg("assistant message persist dropped")
			}
		}
	}

	c.hooks.RunStop(context.Background(), hook.StopContext{ThreadID: params.threadID, Reason: "complete"})
	c.endOperation(params.id, "complete")
}

// endOperation clears the handle, emits the terminal event, and drains one
// queued follow-up unless the user aborted.
func (c *Controller) endOperation(id uint64, reason string) {
	c.mu.Lock()
	if c.sess.opSeq != id {
		c.mu.Unlock()
		return
	}
	c.sess.cancel = nil

	var next string
	hasNext := false
	if reason != "aborted" && len(c.sess.queue) > 0 {
		next = c.sess.queue[0]
		c.sess.queue = c.sess.queue[1:]
		hasNext = true
	}
	threadID := c.sess.ThreadID
	c.mu.Unlock()

	c.bus.Publish(event.Event{Type: event.AgentEnd, Data: event.AgentEndData{
		OperationID: id,
		ThreadID:    threadID,
		Reason:      reason,
	}})

	if hasNext {
		if err := c.start(context.Background(), next); err != nil {
			logging.Error().Err(err).Msg("queued follow-up failed to start")
		}
		return
	}
	c.bus.Publish(event.Event{Type: event.StateChanged, Data: event.StateChangedData{State: "idle"}})
}

// addUsage folds a step's token usage into the session totals.
func (c *Controller) addUsage(id uint64, usage types.TokenUsage) {
	c.mu.Lock()
	if c.sess.opSeq != id {
		c.mu.Unlock()
		return
	}
	c.sess.Usage.Add(usage)
	total := c.sess.Usage
	c.mu.Unlock()

	c.bus.Publish(event.Event{Type: event.UsageUpdate, Data: event.UsageData{OperationID: id, Usage: total}})
}

// ResolveApproval resolves a pending tool approval request.
func (c *Controller) ResolveApproval(requestID string, decision ApprovalDecision) error {
	c.mu.Lock()
	ch, ok := c.sess.pendingApprovals[requestID]
	if ok {
		delete(c.sess.pendingApprovals, requestID)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending approval %q", requestID)
	}
	ch <- decision
	return nil
}

// RespondToQuestion resolves a pending question.
func (c *Controller) RespondToQuestion(requestID, answer string) error {
	c.mu.Lock()
	ch, ok := c.sess.pendingQuestions[requestID]
	if ok {
		delete(c.sess.pendingQuestions, requestID)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending question %q", requestID)
	}
	ch <- answer
	return nil
}

// RespondToPlanApproval resolves a pending plan approval.
func (c *Controller) RespondToPlanApproval(requestID string, approved bool) error {
	c.mu.Lock()
	ch, ok := c.sess.pendingPlans[requestID]
	if ok {
		delete(c.sess.pendingPlans, requestID)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending plan approval %q", requestID)
	}
	ch <- approved
	return nil
}

// SwitchThread makes another thread current. A running operation is
// superseded; its trailing events are dropped by the epoch guard. Switching
// to the thread that is already current is a no-op: the thread lock is held
// for the whole session and must not be re-acquired.
func (c *Controller) SwitchThread(ctx context.Context, threadID string) error {
	c.mu.Lock()
	if threadID == c.sess.ThreadID {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	t, err := c.threads.Get(ctx, threadID)
	if err != nil {
		return fmt.Errorf("switch thread: %w", err)
	}

	lock, err := c.threads.Lock(threadID)
	if err != nil {
		return fmt.Errorf("lock thread: %w", err)
	}

	c.mu.Lock()
	if c.sess.cancel != nil {
		c.sess.cancel()
		c.sess.cancel = nil
	}
	c.sess.opSeq++ // supersede: in-flight side effects turn inert
	c.sess.queue = nil
	if c.threadLock != nil {
		c.threadLock.Unlock()
	}
	c.threadLock = lock
	c.sess.ThreadID = t.ID
	c.mu.Unlock()

	c.om.Restore(ctx, c.threads, t.ID)
	c.bus.Publish(event.Event{Type: event.ThreadChanged, Data: event.ThreadData{Thread: t}})
	return nil
}

// SwitchMode changes the session's mode.
func (c *Controller) SwitchMode(modeID string) error {
	c.mu.Lock()
	mode, ok := c.cfg.Modes[modeID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("mode %q is not defined", modeID)
	}
	c.sess.ModeID = modeID
	if c.sess.ModelID == "" {
		c.sess.ModelID = mode.Model
	}
	c.mu.Unlock()

	c.bus.Publish(event.Event{Type: event.ModeChanged, Data: event.ModeChangedData{ModeID: modeID}})
	return nil
}

// SwitchModel changes the model for the current mode, persisted per-thread
// and globally (best-effort).
func (c *Controller) SwitchModel(ctx context.Context, modelID string) {
	c.mu.Lock()
	c.sess.ModelID = modelID
	threadID, modeID := c.sess.ThreadID, c.sess.ModeID
	c.mu.Unlock()

	c.settings.SetModelForMode(ctx, threadID, modeID, modelID)
	c.bus.Publish(event.Event{Type: event.ModelChanged, Data: event.ModelChangedData{ModelID: modelID, ModeID: modeID}})
}

// Messages returns the current thread's stored messages.
func (c *Controller) Messages(ctx context.Context, page thread.Page) ([]*types.Message, error) {
	c.mu.Lock()
	threadID := c.sess.ThreadID
	c.mu.Unlock()

	if threadID == "" {
		return nil, nil
	}
	return c.threads.Messages(ctx, threadID, page)
}

// ResetGrants clears the session's granted categories and tools.
func (c *Controller) ResetGrants() {
	c.grants.Reset()
}

// OMSnapshot returns the current observational-memory progress model.
func (c *Controller) OMSnapshot() types.OMSnapshot {
	return c.om.Snapshot()
}

// Snapshot returns the externally visible session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := "idle"
	if c.sess.cancel != nil {
		state = "running"
	}
	return Snapshot{
		ThreadID:    c.sess.ThreadID,
		ModeID:      c.sess.ModeID,
		ModelID:     c.sess.ModelID,
		State:       state,
		OperationID: c.sess.opSeq,
		QueueLength: len(c.sess.queue),
		Usage:       c.sess.Usage,
	}
}

// Close releases the thread lock.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.cancel != nil {
		c.sess.cancel()
		c.sess.cancel = nil
	}
	if c.threadLock != nil {
		c.threadLock.Unlock()
		c.threadLock = nil
	}
}
