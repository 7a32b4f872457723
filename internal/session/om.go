package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/tillerhq/tiller/internal/event"
	"github.com/tillerhq/tiller/internal/runner"
	"github.com/tillerhq/tiller/internal/thread"
	"github.com/tillerhq/tiller/pkg/types"
)

// Default trigger thresholds, used when a thread carries no override.
const (
	defaultObserveThreshold = 40000
	defaultReflectThreshold = 120000
)

// OMAggregator normalizes the two observational-memory event shapes, the
// full status snapshot and the discrete lifecycle notification, into one
// progress model, and rebuilds a best-effort model when a thread is loaded
// cold.
type OMAggregator struct {
	mu sync.Mutex

	bus      *event.Bus
	settings *thread.Settings

	snap types.OMSnapshot
}

// NewOMAggregator creates the aggregator with an empty, disabled model.
func NewOMAggregator(bus *event.Bus, settings *thread.Settings) *OMAggregator {
	snap := types.NewOMSnapshot()
	snap.Active.ObserveThreshold = defaultObserveThreshold
	snap.Active.ReflectThreshold = defaultReflectThreshold
	return &OMAggregator{bus: bus, settings: settings, snap: snap}
}

// Snapshot returns a copy of the current model.
func (a *OMAggregator) Snapshot() types.OMSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneSnapshot(a.snap)
}

// ApplySnapshot replaces the model with a status-shaped event and persists
// it to the thread so a cold load can restore it.
func (a *OMAggregator) ApplySnapshot(threadID string, snap types.OMSnapshot) {
	a.mu.Lock()
	if snap.Cycles == nil {
		snap.Cycles = a.snap.Cycles
	}
	if snap.Buffered.Status == "" {
		snap.Buffered.Status = a.snap.Buffered.Status
	}
	a.snap = snap
	out := cloneSnapshot(a.snap)
	a.mu.Unlock()

	a.settings.SetOMStatusPayload(context.Background(), threadID, out)
	a.settings.SetOMCounters(context.Background(), threadID, out.Active.UnobservedTokens)
	a.publish(out)
}

// ApplyLifecycle folds a discrete lifecycle event into the model.
func (a *OMAggregator) ApplyLifecycle(ev runner.OMLifecycle) {
	a.mu.Lock()

	switch ev.Kind {
	case "buffering":
		switch ev.Phase {
		case "start":
			a.snap.Buffered.Status = "buffering"
			a.snap.Buffered.Chunks = ev.Chunks
			a.snap.Buffered.ProjectedSavings = ev.ProjectedSavings
		case "end":
			a.snap.Buffered.Status = "idle"
			a.snap.Buffered.Chunks = 0
			a.snap.Buffered.ProjectedSavings = ev.ProjectedSavings
		case "failed":
			a.snap.Buffered.Status = "failed"
		}
		out := cloneSnapshot(a.snap)
		a.mu.Unlock()
		a.publish(out)
		return

	case "observation", "reflection":
		op := types.OMOperation(ev.Kind)
		cycle := a.snap.Cycles[op]
		switch ev.Phase {
		case "start":
			cycle = types.OMCycle{State: types.OMCycleRunning}
		case "end":
			cycle = types.OMCycle{
				State:       types.OMCycleComplete,
				DurationMs:  ev.DurationMs,
				OutputBytes: ev.OutputBytes,
			}
			// A completed cycle empties its window.
			if op == types.OMObservation {
				a.snap.Active.UnobservedTokens = 0
			} else {
				a.snap.Active.UnreflectedTokens = 0
			}
		case "failed":
			cycle = types.OMCycle{State: types.OMCycleFailed, Error: ev.Error}
		}
		a.snap.Cycles[op] = cycle
		out := cloneSnapshot(a.snap)
		a.mu.Unlock()

		a.bus.Publish(event.Event{Type: event.OMCycle, Data: event.OMCycleData{Operation: op, Cycle: cycle}})
		a.publish(out)
		return
	}

	a.mu.Unlock()
}

// SetEnabled toggles observational memory.
func (a *OMAggregator) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.snap.Enabled = enabled
	out := cloneSnapshot(a.snap)
	a.mu.Unlock()
	a.publish(out)
}

// Restore rebuilds the model when a thread is loaded cold. Preference order:
// a status payload embedded in the newest stored assistant message, the
// snapshot persisted with the thread, stored counters, then a
// character-length estimate over the stored history.
func (a *OMAggregator) Restore(ctx context.Context, threads *thread.Service, threadID string) {
	observe, reflect := a.thresholds(ctx, threadID)

	var restored types.OMSnapshot
	switch {
	case a.restoreFromLastMessage(ctx, threads, threadID, &restored):
	case a.restoreFromPayload(ctx, threadID, &restored):
	case a.restoreFromCounters(ctx, threadID, &restored):
	default:
		restored = a.estimateFromHistory(ctx, threads, threadID)
	}

	restored.Active.ObserveThreshold = observe
	restored.Active.ReflectThreshold = reflect
	if restored.Cycles == nil {
		restored.Cycles = types.NewOMSnapshot().Cycles
	}
	if restored.Buffered.Status == "" {
		restored.Buffered.Status = "idle"
	}

	a.mu.Lock()
	a.snap = restored
	out := cloneSnapshot(a.snap)
	a.mu.Unlock()
	a.publish(out)
}

func (a *OMAggregator) thresholds(ctx context.Context, threadID string) (int, int) {
	return a.settings.OMThresholds(ctx, threadID, defaultObserveThreshold, defaultReflectThreshold)
}

// restoreFromLastMessage scans the newest stored assistant message for an
// embedded status payload; runs carry one on every om_status marker.
func (a *OMAggregator) restoreFromLastMessage(ctx context.Context, threads *thread.Service, threadID string, out *types.OMSnapshot) bool {
	msg, err := threads.LastAssistantMessage(ctx, threadID)
	if err != nil {
		return false
	}
	for i := len(msg.Spans) - 1; i >= 0; i-- {
		if note, ok := msg.Spans[i].(*types.OMNoteSpan); ok && note.Snapshot != nil {
			*out = *note.Snapshot
			return true
		}
	}
	return false
}

func (a *OMAggregator) restoreFromPayload(ctx context.Context, threadID string, out *types.OMSnapshot) bool {
	snap, ok := a.settings.OMStatusPayload(ctx, threadID)
	if !ok {
		return false
	}
	*out = *snap
	return true
}

func (a *OMAggregator) restoreFromCounters(ctx context.Context, threadID string, out *types.OMSnapshot) bool {
	unobserved, ok := a.settings.OMCounters(ctx, threadID)
	if !ok {
		return false
	}
	*out = types.NewOMSnapshot()
	out.Active.UnobservedTokens = unobserved
	return true
}

// estimateFromHistory approximates the unobserved window as a quarter of the
// stored text length, the usual characters-per-token heuristic.
func (a *OMAggregator) estimateFromHistory(ctx context.Context, threads *thread.Service, threadID string) types.OMSnapshot {
	snap := types.NewOMSnapshot()

	messages, err := threads.Messages(ctx, threadID, thread.Page{})
	if err != nil {
		return snap
	}

	var chars int
	for _, msg := range messages {
		for _, span := range msg.Spans {
			switch s := span.(type) {
			case *types.TextSpan:
				chars += len(s.Text)
			case *types.ReasoningSpan:
				chars += len(s.Text)
			case *types.ToolResultSpan:
				if s.Output != nil {
					chars += len(*s.Output)
				}
			}
		}
	}
	snap.Active.UnobservedTokens = chars / 4
	return snap
}

func (a *OMAggregator) publish(snap types.OMSnapshot) {
	a.bus.Publish(event.Event{Type: event.OMStatus, Data: event.OMStatusData{Snapshot: snap}})
}

func cloneSnapshot(snap types.OMSnapshot) types.OMSnapshot {
	out := snap
	out.Cycles = make(map[types.OMOperation]types.OMCycle, len(snap.Cycles))
	for op, cycle := range snap.Cycles {
		out.Cycles[op] = cycle
	}
	return out
}

// omStatusNote renders a status snapshot as the inline note stored with the
// message, so replayed history keeps the marker visible.
func omStatusNote(snap types.OMSnapshot) string {
	return fmt.Sprintf("memory: %d/%d observed, %d/%d reflected, buffer %s",
		snap.Active.UnobservedTokens, snap.Active.ObserveThreshold,
		snap.Active.UnreflectedTokens, snap.Active.ReflectThreshold,
		snap.Buffered.Status)
}
