package store

import "time"

// Session type discriminators for persisted records.
const (
	TypeWorktree = "worktree"
	TypeQuick    = "quick"
)

// Worker kind discriminators shared with the session package.
const (
	KindAgent    = "agent"
	KindTerminal = "terminal"
	KindGitDiff  = "git-diff"
)

// SessionRecord is the serializable projection of a session. It carries no
// process handles; worker pids and the owning server pid stand in for them.
// A nil ServerPID means the session is paused; a non-nil ServerPID names
// the server instance that owns it.
type SessionRecord struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	LocationPath   string         `json:"locationPath"`
	RepositoryID   string         `json:"repositoryId,omitempty"`
	WorktreeID     string         `json:"worktreeId,omitempty"`
	Branch         string         `json:"branch,omitempty"`
	IsMainWorktree bool           `json:"isMainWorktree,omitempty"`
	ServerPID      *int           `json:"serverPid"`
	CreatedAt      time.Time      `json:"createdAt"`
	Title          string         `json:"title,omitempty"`
	InitialPrompt  string         `json:"initialPrompt,omitempty"`
	Workers        []WorkerRecord `json:"workers"`
}

// WorkerRecord is the serializable projection of a worker. PID is nil when
// no process was running at persist time.
type WorkerRecord struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
	PID        *int      `json:"pid"`
	AgentID    string    `json:"agentId,omitempty"`
	BaseCommit string    `json:"baseCommit,omitempty"`
}

// Paused reports whether the record is explicitly paused (no owner).
func (r *SessionRecord) Paused() bool {
	return r.ServerPID == nil
}

// OwnedBy reports whether the record is owned by the given server pid.
func (r *SessionRecord) OwnedBy(pid int) bool {
	return r.ServerPID != nil && *r.ServerPID == pid
}
