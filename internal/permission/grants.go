package permission

import "sync"

// Grants holds the session-scoped "always allow" decisions: categories and
// individual tools granted until reset. Ephemeral, never persisted.
type Grants struct {
	mu         sync.RWMutex
	categories map[Category]struct{}
	tools      map[string]struct{}
}

// NewGrants creates an empty grant store.
func NewGrants() *Grants {
	return &Grants{
		categories: make(map[Category]struct{}),
		tools:      make(map[string]struct{}),
	}
}

// GrantCategory allows every tool in a category for the rest of the session.
// Granting twice is the same as granting once.
func (g *Grants) GrantCategory(c Category) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.categories[c] = struct{}{}
}

// GrantTool allows one tool for the rest of the session.
func (g *Grants) GrantTool(tool string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tools[tool] = struct{}{}
}

// Allows reports whether a tool is covered by a session grant, either
// directly or through its category.
func (g *Grants) Allows(tool string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.tools[tool]; ok {
		return true
	}
	if category, ok := Categorize(tool); ok {
		if _, granted := g.categories[category]; granted {
			return true
		}
	}
	return false
}

// HasCategory reports whether a category has been granted.
func (g *Grants) HasCategory(c Category) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.categories[c]
	return ok
}

// Reset clears all granted categories and tools.
func (g *Grants) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.categories = make(map[Category]struct{})
	g.tools = make(map[string]struct{})
}
