package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGrants_CategoryCoversAllToolsInIt(t *testing.T) {
	grants := NewGrants()
	grants.GrantCategory(CategoryEdit)

	assert.True(t, grants.Allows("write_file"))
	assert.True(t, grants.Allows("edit_file"))
	assert.True(t, grants.Allows("apply_patch"))
	assert.False(t, grants.Allows("bash"))
	assert.True(t, grants.HasCategory(CategoryEdit))
	assert.False(t, grants.HasCategory(CategoryShell))
}

func TestGrants_ToolGrantIsNarrow(t *testing.T) {
	grants := NewGrants()
	grants.GrantTool("bash")

	assert.True(t, grants.Allows("bash"))
	assert.False(t, grants.Allows("shell"))
}

func TestGrants_Idempotent(t *testing.T) {
	grants := NewGrants()
	grants.GrantCategory(CategoryRead)
	grants.GrantCategory(CategoryRead)

	assert.True(t, grants.Allows("read_file"))
}

func TestGrants_Reset(t *testing.T) {
	grants := NewGrants()
	grants.GrantCategory(CategoryShell)
	grants.GrantTool("web_fetch")

	grants.Reset()

	assert.False(t, grants.Allows("bash"))
	assert.False(t, grants.Allows("web_fetch"))
}

func TestGrants_UncategorizedToolOnlyDirect(t *testing.T) {
	grants := NewGrants()
	grants.GrantTool("custom_tool")

	assert.True(t, grants.Allows("custom_tool"))
	assert.False(t, grants.Allows("other_custom"))
}
