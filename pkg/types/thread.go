// Package types provides the core data types shared across the orchestrator.
package types

// Thread is a persisted conversation: messages plus a metadata bag, scoped to
// a resource (workspace).
type Thread struct {
	ID         string         `json:"id"`
	ResourceID string         `json:"resourceID"`
	Title      string         `json:"title"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Time       ThreadTime     `json:"time"`
}

// ThreadTime contains timestamps for a thread.
type ThreadTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// MetadataString reads a string value from the thread metadata bag.
func (t *Thread) MetadataString(key string) (string, bool) {
	if t.Metadata == nil {
		return "", false
	}
	v, ok := t.Metadata[key].(string)
	return v, ok
}

// MetadataNumber reads a numeric value from the thread metadata bag. JSON
// round-trips numbers as float64, so stored ints come back that way.
func (t *Thread) MetadataNumber(key string) (float64, bool) {
	if t.Metadata == nil {
		return 0, false
	}
	switch v := t.Metadata[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// MetadataBool reads a boolean value from the thread metadata bag.
func (t *Thread) MetadataBool(key string) (bool, bool) {
	if t.Metadata == nil {
		return false, false
	}
	v, ok := t.Metadata[key].(bool)
	return v, ok
}
