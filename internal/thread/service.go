// Package thread provides persisted conversation threads and their
// per-thread settings.
package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tillerhq/tiller/internal/store"
	"github.com/tillerhq/tiller/pkg/types"
)

// Service manages threads and their messages.
type Service struct {
	store *store.Store
}

// NewService creates a thread service over the given store.
func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// Create creates and persists a new thread.
func (s *Service) Create(ctx context.Context, resourceID, title string) (*types.Thread, error) {
	if title == "" {
		title = "New Thread"
	}

	now := time.Now().UnixMilli()
	t := &types.Thread{
		ID:         ulid.Make().String(),
		ResourceID: resourceID,
		Title:      title,
		Metadata:   map[string]any{},
		Time:       types.ThreadTime{Created: now, Updated: now},
	}

	if err := s.store.Put(ctx, []string{"thread", resourceID, t.ID}, t); err != nil {
		return nil, fmt.Errorf("save thread: %w", err)
	}
	return t, nil
}

// Get retrieves a thread by id, searching across resources.
func (s *Service) Get(ctx context.Context, threadID string) (*types.Thread, error) {
	resources, err := s.store.List(ctx, []string{"thread"})
	if err != nil {
		return nil, err
	}

	for _, resourceID := range resources {
		var t types.Thread
		if err := s.store.Get(ctx, []string{"thread", resourceID, threadID}, &t); err == nil {
			return &t, nil
		}
	}
	return nil, store.ErrNotFound
}

// Save persists a thread. The metadata bag is merged with the stored copy so
// concurrent writers of disjoint keys never clobber each other; all other
// fields overwrite.
func (s *Service) Save(ctx context.Context, t *types.Thread) error {
	var existing types.Thread
	err := s.store.Get(ctx, []string{"thread", t.ResourceID, t.ID}, &existing)
	if err == nil && existing.Metadata != nil {
		merged := existing.Metadata
		for k, v := range t.Metadata {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		t.Metadata = merged
	}

	t.Time.Updated = time.Now().UnixMilli()
	return s.store.Put(ctx, []string{"thread", t.ResourceID, t.ID}, t)
}

// List returns threads for a resource, filtered by an optional metadata
// predicate.
func (s *Service) List(ctx context.Context, resourceID string, pred func(*types.Thread) bool) ([]*types.Thread, error) {
	var threads []*types.Thread
	err := s.store.Scan(ctx, []string{"thread", resourceID}, func(key string, data json.RawMessage) error {
		var t types.Thread
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if pred != nil && !pred(&t) {
			return nil
		}
		threads = append(threads, &t)
		return nil
	})
	return threads, err
}

// Page controls message listing. A zero Limit means no limit.
type Page struct {
	Offset int
	Limit  int
	Desc   bool
}

// SaveMessage persists one message.
func (s *Service) SaveMessage(ctx context.Context, msg *types.Message) error {
	now := time.Now().UnixMilli()
	msg.Time.Updated = &now
	return s.store.Put(ctx, []string{"message", msg.ThreadID, msg.ID}, msg)
}

// Messages returns a thread's messages. Message ids are ULIDs, so key order
// is chronological.
func (s *Service) Messages(ctx context.Context, threadID string, page Page) ([]*types.Message, error) {
	var messages []*types.Message
	err := s.store.Scan(ctx, []string{"message", threadID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if page.Desc {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	if page.Offset > 0 {
		if page.Offset >= len(messages) {
			return nil, nil
		}
		messages = messages[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(messages) {
		messages = messages[:page.Limit]
	}
	return messages, nil
}

// LastAssistantMessage returns the most recent assistant message, or
// store.ErrNotFound if the thread has none.
func (s *Service) LastAssistantMessage(ctx context.Context, threadID string) (*types.Message, error) {
	messages, err := s.Messages(ctx, threadID, Page{Desc: true})
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		if msg.Role == "assistant" {
			return msg, nil
		}
	}
	return nil, store.ErrNotFound
}

// Lock acquires the cross-process lock for a thread. The caller must Unlock.
func (s *Service) Lock(threadID string) (*store.FileLock, error) {
	return s.store.Lock("thread-" + threadID)
}
