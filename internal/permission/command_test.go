package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand_Simple(t *testing.T) {
	commands, err := ParseCommand("ls -la")
	require.NoError(t, err)
	require.Len(t, commands, 1)

	assert.Equal(t, "ls", commands[0].Name)
	assert.Equal(t, []string{"-la"}, commands[0].Args)
	assert.Empty(t, commands[0].Subcommand)
}

func TestParseCommand_Subcommand(t *testing.T) {
	commands, err := ParseCommand("git commit -m 'fix parser'")
	require.NoError(t, err)
	require.Len(t, commands, 1)

	assert.Equal(t, "git", commands[0].Name)
	assert.Equal(t, "commit", commands[0].Subcommand)
}

func TestParseCommand_Pipeline(t *testing.T) {
	commands, err := ParseCommand("cat file.txt | grep pattern | wc -l")
	require.NoError(t, err)
	require.Len(t, commands, 3)

	assert.Equal(t, "cat", commands[0].Name)
	assert.Equal(t, "grep", commands[1].Name)
	assert.Equal(t, "wc", commands[2].Name)
}

func TestParseCommand_AndOrChains(t *testing.T) {
	commands, err := ParseCommand("test -f go.mod && go build || echo failed")
	require.NoError(t, err)
	require.Len(t, commands, 3)

	assert.Equal(t, "test", commands[0].Name)
	assert.Equal(t, "go", commands[1].Name)
	assert.Equal(t, "echo", commands[2].Name)
}

func TestParseCommand_ExpansionsBecomePlaceholders(t *testing.T) {
	commands, err := ParseCommand("rm $FILE")
	require.NoError(t, err)
	require.Len(t, commands, 1)

	// A dynamic argument must not satisfy a literal pattern.
	assert.Equal(t, []string{"$FILE"}, commands[0].Args)
}

func TestParseCommand_CommandSubstitution(t *testing.T) {
	commands, err := ParseCommand("kill $(pgrep server)")
	require.NoError(t, err)
	require.NotEmpty(t, commands)

	assert.Equal(t, "kill", commands[0].Name)
}

func TestParseCommand_Invalid(t *testing.T) {
	_, err := ParseCommand("if then fi (")
	assert.Error(t, err)
}

func TestMatchCommandPattern_Specificity(t *testing.T) {
	patterns := map[string]Policy{
		"git push *": Deny,
		"git *":      Allow,
		"ls":         Allow,
		"*":          Ask,
	}

	policy, ok := MatchCommandPattern(Command{Name: "git", Subcommand: "push", Args: []string{"push", "origin"}}, patterns)
	require.True(t, ok)
	assert.Equal(t, Deny, policy)

	policy, ok = MatchCommandPattern(Command{Name: "git", Subcommand: "status", Args: []string{"status"}}, patterns)
	require.True(t, ok)
	assert.Equal(t, Allow, policy)

	policy, ok = MatchCommandPattern(Command{Name: "ls"}, patterns)
	require.True(t, ok)
	assert.Equal(t, Allow, policy)

	policy, ok = MatchCommandPattern(Command{Name: "make", Subcommand: "test"}, patterns)
	require.True(t, ok)
	assert.Equal(t, Ask, policy)
}

func TestMatchCommandPattern_NoMatch(t *testing.T) {
	_, ok := MatchCommandPattern(Command{Name: "make"}, map[string]Policy{"git *": Allow})
	assert.False(t, ok)
}
