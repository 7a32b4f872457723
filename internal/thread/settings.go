package thread

import (
	"context"

	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/internal/store"
	"github.com/tillerhq/tiller/pkg/types"
)

// Setting keys stored in the thread metadata bag and the global settings
// document. Mode- and agent-scoped keys are namespaced with a suffix.
const (
	keyModelForMode     = "model."      // + mode id
	keyModelForAgent    = "agentModel." // + agent type
	keyLastModel        = "lastModel"
	keyThinkingLevel    = "thinkingLevel"
	keyObserveThreshold = "omObserveThreshold"
	keyReflectThreshold = "omReflectThreshold"
	keyUnobservedTokens = "omUnobservedTokens"
	keyBypass           = "bypassPermissions"
	keyOMStatusPayload  = "omStatus"
)

var globalSettingsPath = []string{"settings", "global"}

// Settings reads and writes per-thread settings. Writes are best-effort:
// failures are logged and swallowed, never surfaced.
type Settings struct {
	threads *Service
	store   *store.Store
}

// NewSettings creates a settings accessor sharing the thread service's store.
func NewSettings(threads *Service, st *store.Store) *Settings {
	return &Settings{threads: threads, store: st}
}

func (s *Settings) global(ctx context.Context) map[string]any {
	var doc map[string]any
	if err := s.store.Get(ctx, globalSettingsPath, &doc); err != nil {
		return map[string]any{}
	}
	return doc
}

func (s *Settings) setGlobal(ctx context.Context, key string, value any) {
	doc := s.global(ctx)
	doc[key] = value
	if err := s.store.Put(ctx, globalSettingsPath, doc); err != nil {
		logging.Debug().Err(err).Str("key", key).Msg("global setting write dropped")
	}
}

func (s *Settings) threadString(ctx context.Context, threadID, key string) (string, bool) {
	if threadID == "" {
		return "", false
	}
	t, err := s.threads.Get(ctx, threadID)
	if err != nil {
		return "", false
	}
	return t.MetadataString(key)
}

func (s *Settings) setThread(ctx context.Context, threadID, key string, value any) {
	if threadID == "" {
		return
	}
	t, err := s.threads.Get(ctx, threadID)
	if err != nil {
		logging.Debug().Err(err).Str("thread", threadID).Msg("thread setting write dropped")
		return
	}
	t.Metadata = map[string]any{key: value}
	if err := s.threads.Save(ctx, t); err != nil {
		logging.Debug().Err(err).Str("thread", threadID).Str("key", key).Msg("thread setting write dropped")
	}
}

// ModelForMode resolves the model for a mode on a thread. Fallback order:
// per-mode per-thread value, per-mode global value, the mode's built-in
// default, the last model used anywhere, empty (keep current).
func (s *Settings) ModelForMode(ctx context.Context, threadID, modeID, modeDefault string) string {
	if v, ok := s.threadString(ctx, threadID, keyModelForMode+modeID); ok && v != "" {
		return v
	}
	global := s.global(ctx)
	if v, ok := global[keyModelForMode+modeID].(string); ok && v != "" {
		return v
	}
	if modeDefault != "" {
		return modeDefault
	}
	if v, ok := global[keyLastModel].(string); ok {
		return v
	}
	return ""
}

// SetModelForMode records a model choice at thread and global scope and
// updates the last-used model.
func (s *Settings) SetModelForMode(ctx context.Context, threadID, modeID, model string) {
	s.setThread(ctx, threadID, keyModelForMode+modeID, model)
	s.setGlobal(ctx, keyModelForMode+modeID, model)
	s.setGlobal(ctx, keyLastModel, model)
}

// ModelForAgent resolves the model for an agent type: thread scope, then
// global, then the built-in default.
func (s *Settings) ModelForAgent(ctx context.Context, threadID, agentType, builtin string) string {
	if v, ok := s.threadString(ctx, threadID, keyModelForAgent+agentType); ok && v != "" {
		return v
	}
	if v, ok := s.global(ctx)[keyModelForAgent+agentType].(string); ok && v != "" {
		return v
	}
	return builtin
}

// SetModelForAgent records an agent-type model choice.
func (s *Settings) SetModelForAgent(ctx context.Context, threadID, agentType, model string) {
	s.setThread(ctx, threadID, keyModelForAgent+agentType, model)
	s.setGlobal(ctx, keyModelForAgent+agentType, model)
}

// ThinkingLevel is thread-scoped only; no global fallback.
func (s *Settings) ThinkingLevel(ctx context.Context, threadID string) string {
	v, _ := s.threadString(ctx, threadID, keyThinkingLevel)
	return v
}

// SetThinkingLevel records the thread's thinking level.
func (s *Settings) SetThinkingLevel(ctx context.Context, threadID, level string) {
	s.setThread(ctx, threadID, keyThinkingLevel, level)
}

// BypassPermissions is thread-scoped only.
func (s *Settings) BypassPermissions(ctx context.Context, threadID string) bool {
	if threadID == "" {
		return false
	}
	t, err := s.threads.Get(ctx, threadID)
	if err != nil {
		return false
	}
	v, _ := t.MetadataBool(keyBypass)
	return v
}

// SetBypassPermissions records the thread's unconditional-allow flag.
func (s *Settings) SetBypassPermissions(ctx context.Context, threadID string, bypass bool) {
	s.setThread(ctx, threadID, keyBypass, bypass)
}

// OMThresholds returns the thread's observation and reflection thresholds,
// falling back to the given defaults.
func (s *Settings) OMThresholds(ctx context.Context, threadID string, observeDefault, reflectDefault int) (int, int) {
	obs, refl := observeDefault, reflectDefault
	if threadID == "" {
		return obs, refl
	}
	t, err := s.threads.Get(ctx, threadID)
	if err != nil {
		return obs, refl
	}
	if v, ok := t.MetadataNumber(keyObserveThreshold); ok {
		obs = int(v)
	}
	if v, ok := t.MetadataNumber(keyReflectThreshold); ok {
		refl = int(v)
	}
	return obs, refl
}

// OMCounters returns the stored unobserved-token counter, if any.
func (s *Settings) OMCounters(ctx context.Context, threadID string) (int, bool) {
	t, err := s.threads.Get(ctx, threadID)
	if err != nil {
		return 0, false
	}
	v, ok := t.MetadataNumber(keyUnobservedTokens)
	return int(v), ok
}

// SetOMCounters records the unobserved-token counter, best-effort.
func (s *Settings) SetOMCounters(ctx context.Context, threadID string, unobserved int) {
	s.setThread(ctx, threadID, keyUnobservedTokens, unobserved)
}

// OMStatusPayload returns the last persisted OM status snapshot, if any.
func (s *Settings) OMStatusPayload(ctx context.Context, threadID string) (*types.OMSnapshot, bool) {
	t, err := s.threads.Get(ctx, threadID)
	if err != nil || t.Metadata == nil {
		return nil, false
	}
	raw, ok := t.Metadata[keyOMStatusPayload].(map[string]any)
	if !ok {
		return nil, false
	}
	snap := decodeOMSnapshot(raw)
	return &snap, true
}

// SetOMStatusPayload records the OM status snapshot, best-effort.
func (s *Settings) SetOMStatusPayload(ctx context.Context, threadID string, snap types.OMSnapshot) {
	s.setThread(ctx, threadID, keyOMStatusPayload, snap)
}

func decodeOMSnapshot(raw map[string]any) types.OMSnapshot {
	snap := types.NewOMSnapshot()
	num := func(m map[string]any, key string) int {
		if v, ok := m[key].(float64); ok {
			return int(v)
		}
		return 0
	}
	if active, ok := raw["active"].(map[string]any); ok {
		snap.Active = types.OMWindow{
			UnobservedTokens:  num(active, "unobservedTokens"),
			ObserveThreshold:  num(active, "observeThreshold"),
			UnreflectedTokens: num(active, "unreflectedTokens"),
			ReflectThreshold:  num(active, "reflectThreshold"),
		}
	}
	if buffered, ok := raw["buffered"].(map[string]any); ok {
		status, _ := buffered["status"].(string)
		if status == "" {
			status = "idle"
		}
		snap.Buffered = types.OMBuffer{
			Status:           status,
			Chunks:           num(buffered, "chunks"),
			ProjectedSavings: num(buffered, "projectedSavings"),
		}
	}
	if enabled, ok := raw["enabled"].(bool); ok {
		snap.Enabled = enabled
	}
	return snap
}
