package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltins(t *testing.T) {
	c := NewCatalog()

	d, ok := c.Get("claude")
	require.True(t, ok)
	assert.Equal(t, "Claude Code", d.DisplayName)

	_, ok = c.Get("no-such-agent")
	assert.False(t, ok)

	assert.GreaterOrEqual(t, len(c.List()), 3)
}

func TestRegisterOverrides(t *testing.T) {
	c := NewCatalog()
	c.Register(Definition{ID: "claude", DisplayName: "Custom", Command: "my-claude"})

	d, ok := c.Get("claude")
	require.True(t, ok)
	assert.Equal(t, "Custom", d.DisplayName)
	assert.Equal(t, "my-claude", d.Command)
}

func TestExpandNewConversation(t *testing.T) {
	d := Definition{
		ID:      "claude",
		Command: "claude",
		Args:    []string{"{prompt}"},
	}

	cmd, args := Expand(d, "fix the tests", "/srv/wt", false)
	assert.Equal(t, "claude", cmd)
	assert.Equal(t, []string{"fix the tests"}, args)
}

func TestExpandContinue(t *testing.T) {
	d := Definition{
		ID:           "claude",
		Command:      "claude",
		Args:         []string{"{prompt}"},
		ContinueArgs: []string{"--continue"},
	}

	cmd, args := Expand(d, "ignored on continue", "/srv/wt", true)
	assert.Equal(t, "claude", cmd)
	assert.Equal(t, []string{"--continue"}, args)
}

func TestExpandDropsEmptyPrompt(t *testing.T) {
	d := Definition{
		ID:      "x",
		Command: "x",
		Args:    []string{"--cwd", "{cwd}", "{prompt}"},
	}

	_, args := Expand(d, "", "/srv/wt", false)
	assert.Equal(t, []string{"--cwd", "/srv/wt"}, args)
}
