package hook

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_EmptyAllowsEverything(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	assert.True(t, r.RunPromptSubmit(ctx, PromptContext{Content: "hi"}).Allow)
	assert.True(t, r.RunPreToolUse(ctx, ToolContext{Tool: "bash"}).Allow)
	assert.NoError(t, r.RunPostToolUse(ctx, ToolContext{Tool: "bash"}))
}

func TestRegistry_FirstDisallowWins(t *testing.T) {
	r := NewRegistry()
	called := 0
	r.OnPreToolUse(func(ctx context.Context, hc ToolContext) Decision {
		called++
		return Decision{Allow: false, Reason: "blocked by policy"}
	})
	r.OnPreToolUse(func(ctx context.Context, hc ToolContext) Decision {
		called++
		return Allowed()
	})

	d := r.RunPreToolUse(context.Background(), ToolContext{Tool: "bash"})
	assert.False(t, d.Allow)
	assert.Equal(t, "blocked by policy", d.Reason)
	assert.Equal(t, 1, called)
}

func TestRegistry_WarningsAccumulate(t *testing.T) {
	r := NewRegistry()
	r.OnPromptSubmit(func(ctx context.Context, hc PromptContext) Decision {
		return Decision{Allow: true, Warnings: []string{"first"}}
	})
	r.OnPromptSubmit(func(ctx context.Context, hc PromptContext) Decision {
		return Decision{Allow: true, Warnings: []string{"second"}}
	})

	d := r.RunPromptSubmit(context.Background(), PromptContext{})
	assert.True(t, d.Allow)
	assert.Equal(t, []string{"first", "second"}, d.Warnings)
}

func TestRegistry_WarningsKeptOnDisallow(t *testing.T) {
	r := NewRegistry()
	r.OnPromptSubmit(func(ctx context.Context, hc PromptContext) Decision {
		return Decision{Allow: true, Warnings: []string{"heads up"}}
	})
	r.OnPromptSubmit(func(ctx context.Context, hc PromptContext) Decision {
		return Decision{Allow: false, Reason: "nope"}
	})

	d := r.RunPromptSubmit(context.Background(), PromptContext{})
	assert.False(t, d.Allow)
	assert.Equal(t, []string{"heads up"}, d.Warnings)
}

func TestRegistry_PostToolUseFirstError(t *testing.T) {
	r := NewRegistry()
	sentinel := errors.New("post failed")
	r.OnPostToolUse(func(ctx context.Context, hc ToolContext) error { return sentinel })
	r.OnPostToolUse(func(ctx context.Context, hc ToolContext) error {
		t.Fatal("second hook must not run")
		return nil
	})

	err := r.RunPostToolUse(context.Background(), ToolContext{})
	assert.ErrorIs(t, err, sentinel)
}

func TestRegistry_StopHooksAllRun(t *testing.T) {
	r := NewRegistry()
	var reasons []string
	r.OnStop(func(ctx context.Context, hc StopContext) { reasons = append(reasons, hc.Reason) })
	r.OnStop(func(ctx context.Context, hc StopContext) { reasons = append(reasons, hc.Reason+"!") })

	r.RunStop(context.Background(), StopContext{Reason: "complete"})
	assert.Equal(t, []string{"complete", "complete!"}, reasons)
}
