// Package hook provides the external policy callback points invoked by the
// session controller: before prompt submission, around tool execution, and
// on stop.
package hook

import "context"

// Decision is a hook's verdict. A disallowing decision carries the reason.
type Decision struct {
	Allow    bool
	Reason   string
	Warnings []string
}

// Allowed is the neutral decision.
func Allowed() Decision {
	return Decision{Allow: true}
}

// PromptContext is passed to prompt-submit hooks.
type PromptContext struct {
	ThreadID string
	ModeID   string
	Content  string
}

// ToolContext is passed to pre- and post-tool-use hooks.
type ToolContext struct {
	ThreadID string
	CallID   string
	Tool     string
	Args     map[string]any
	Output   string // post-tool-use only
	Failed   bool   // post-tool-use only
}

// StopContext is passed to stop hooks after an operation terminates.
type StopContext struct {
	ThreadID string
	Reason   string
}

type (
	PromptSubmitFunc func(ctx context.Context, hc PromptContext) Decision
	PreToolUseFunc   func(ctx context.Context, hc ToolContext) Decision
	PostToolUseFunc  func(ctx context.Context, hc ToolContext) error
	StopFunc         func(ctx context.Context, hc StopContext)
)

// Registry holds the registered hooks. Registration happens at setup time;
// the registry is read-only afterwards.
type Registry struct {
	promptSubmit []PromptSubmitFunc
	preToolUse   []PreToolUseFunc
	postToolUse  []PostToolUseFunc
	stop         []StopFunc
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) OnPromptSubmit(fn PromptSubmitFunc) { r.promptSubmit = append(r.promptSubmit, fn) }
func (r *Registry) OnPreToolUse(fn PreToolUseFunc)     { r.preToolUse = append(r.preToolUse, fn) }
func (r *Registry) OnPostToolUse(fn PostToolUseFunc)   { r.postToolUse = append(r.postToolUse, fn) }
func (r *Registry) OnStop(fn StopFunc)                 { r.stop = append(r.stop, fn) }

// RunPromptSubmit runs all prompt-submit hooks. The first disallow wins;
// warnings accumulate across all hooks.
func (r *Registry) RunPromptSubmit(ctx context.Context, hc PromptContext) Decision {
	return runGate(len(r.promptSubmit), func(i int) Decision { return r.promptSubmit[i](ctx, hc) })
}

// RunPreToolUse runs all pre-tool-use hooks with first-disallow-wins
// semantics.
func (r *Registry) RunPreToolUse(ctx context.Context, hc ToolContext) Decision {
	return runGate(len(r.preToolUse), func(i int) Decision { return r.preToolUse[i](ctx, hc) })
}

// RunPostToolUse runs all post-tool-use hooks, returning the first error.
func (r *Registry) RunPostToolUse(ctx context.Context, hc ToolContext) error {
	for _, fn := range r.postToolUse {
		if err := fn(ctx, hc); err != nil {
			return err
		}
	}
	return nil
}

// RunStop runs all stop hooks.
func (r *Registry) RunStop(ctx context.Context, hc StopContext) {
	for _, fn := range r.stop {
		fn(ctx, hc)
	}
}

func runGate(n int, call func(i int) Decision) Decision {
	result := Allowed()
	for i := 0; i < n; i++ {
		d := call(i)
		result.Warnings = append(result.Warnings, d.Warnings...)
		if !d.Allow {
			result.Allow = false
			result.Reason = d.Reason
			return result
		}
	}
	return result
}
