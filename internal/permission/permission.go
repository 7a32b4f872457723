// Package permission decides whether a tool call is auto-approved,
// auto-denied, or needs a human decision.
package permission

import "fmt"

// Policy is the outcome of a permission check.
type Policy string

const (
	Allow Policy = "allow"
	Ask   Policy = "ask"
	Deny  Policy = "deny"
)

// ParsePolicy maps a config string to a Policy, defaulting to ask.
func ParsePolicy(s string) Policy {
	switch s {
	case "allow":
		return Allow
	case "deny":
		return Deny
	default:
		return Ask
	}
}

// Category is a static tool classification.
type Category string

const (
	CategoryRead    Category = "read"
	CategoryEdit    Category = "edit"
	CategoryShell   Category = "shell"
	CategoryNetwork Category = "network"
	CategoryAgent   Category = "agent"
)

// toolCategories is the static tool -> category classification.
var toolCategories = map[string]Category{
	"read_file":   CategoryRead,
	"list_files":  CategoryRead,
	"glob":        CategoryRead,
	"grep":        CategoryRead,
	"write_file":  CategoryEdit,
	"edit_file":   CategoryEdit,
	"apply_patch": CategoryEdit,
	"bash":        CategoryShell,
	"shell":       CategoryShell,
	"web_search":  CategoryNetwork,
	"web_fetch":   CategoryNetwork,
	"task":        CategoryAgent,
	"subagent":    CategoryAgent,
}

// Categorize returns a tool's static category.
func Categorize(tool string) (Category, bool) {
	c, ok := toolCategories[tool]
	return c, ok
}

// RuleSet is the configured permission policy: tool-level rules override
// category-level ones; shell and edit pattern rules scope policies to
// command or path patterns within their categories.
type RuleSet struct {
	Tools      map[string]Policy
	Categories map[Category]Policy
	Shell      map[string]Policy
	Edit       map[string]Policy
}

// Request describes one tool call to be checked.
type Request struct {
	Tool string
	Args map[string]any
}

// DeniedError is the structured form of a rejected tool call, carried on
// error events so the UI can name the tool that was blocked.
type DeniedError struct {
	Tool    string
	Message string
}

func (e *DeniedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tool %q denied", e.Tool)
	}
	return fmt.Sprintf("tool %q denied: %s", e.Tool, e.Message)
}
