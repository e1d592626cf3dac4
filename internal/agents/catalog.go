// Package agents defines the catalog of launchable coding agents and the
// command-template expansion used to start them inside a worker PTY.
package agents

import (
	"fmt"
	"strings"
	"sync"
)

// Definition describes one launchable agent.
type Definition struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	// Command and Args may contain {prompt} and {cwd} placeholders.
	Command string   `json:"command"`
	Args    []string `json:"args"`
	// ContinueArgs replace Args when resuming an existing conversation.
	ContinueArgs []string `json:"continueArgs"`
}

// Catalog resolves agent ids to definitions.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// DefaultID is used when a session request does not name an agent.
const DefaultID = "claude"

// NewCatalog returns a catalog seeded with the built-in agents.
func NewCatalog() *Catalog {
	c := &Catalog{defs: make(map[string]Definition)}
	for _, d := range builtins {
		c.defs[d.ID] = d
	}
	return c
}

var builtins = []Definition{
	{
		ID:           "claude",
		DisplayName:  "Claude Code",
		Command:      "claude",
		Args:         []string{"{prompt}"},
		ContinueArgs: []string{"--continue"},
	},
	{
		ID:           "codex",
		DisplayName:  "Codex",
		Command:      "codex",
		Args:         []string{"{prompt}"},
		ContinueArgs: []string{"resume", "--last"},
	},
	{
		ID:           "aider",
		DisplayName:  "Aider",
		Command:      "aider",
		Args:         []string{"--message", "{prompt}"},
		ContinueArgs: []string{"--restore-chat-history"},
	},
}

// Get resolves an agent definition by id.
func (c *Catalog) Get(agentID string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[agentID]
	return d, ok
}

// Register adds or replaces an agent definition.
func (c *Catalog) Register(d Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[d.ID] = d
}

// List returns all registered definitions.
func (c *Catalog) List() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	return out
}

// Expand builds the concrete command line for a definition. When
// continueConversation is set the continuation arguments are used and the
// prompt placeholder expands to empty; dropped empty arguments keep agent
// CLIs from seeing a stray "".
func Expand(d Definition, prompt, cwd string, continueConversation bool) (string, []string) {
	tmpl := d.Args
	if continueConversation {
		tmpl = d.ContinueArgs
		prompt = ""
	}

	args := make([]string, 0, len(tmpl))
	for _, a := range tmpl {
		expanded := strings.ReplaceAll(a, "{prompt}", prompt)
		expanded = strings.ReplaceAll(expanded, "{cwd}", cwd)
		if expanded == "" && strings.Contains(a, "{prompt}") {
			continue
		}
		args = append(args, expanded)
	}
	return d.Command, args
}

// ErrUnknown formats the lookup failure for an agent id.
func ErrUnknown(agentID string) error {
	return fmt.Errorf("agent not found: %s", agentID)
}
