package session

import (
	"sync"
	"time"

	"github.com/crewhq/crew/internal/shared/id"
	"github.com/crewhq/crew/internal/store"
)

// Type distinguishes worktree sessions, which belong to a registered
// repository, from quick sessions rooted at an arbitrary path.
type Type string

const (
	TypeWorktree Type = store.TypeWorktree
	TypeQuick    Type = store.TypeQuick
)

// Status is operator-visible session status, independent of whether any
// process is currently running.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ActivationState is derived, never stored: a session is running while at
// least one of its workers holds a live process.
type ActivationState string

const (
	ActivationRunning    ActivationState = "running"
	ActivationHibernated ActivationState = "hibernated"
)

// Session is one unit of work: an ordered set of workers rooted at a
// filesystem location. Insertion order is the worker list order.
type Session struct {
	ID             id.SessionID
	Type           Type
	LocationPath   string
	RepositoryID   string
	WorktreeID     string
	IsMainWorktree bool
	CreatedAt      time.Time
	InitialPrompt  string

	mu      sync.RWMutex
	title   string
	branch  string
	status  Status
	workers []*Worker
}

// Title returns the mutable session title.
func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// SetTitle updates the session title.
func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}

// Branch returns the checked-out branch, which a restart may switch.
func (s *Session) Branch() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.branch
}

func (s *Session) setBranch(branch string) {
	s.mu.Lock()
	s.branch = branch
	s.mu.Unlock()
}

// Status returns the operator-visible status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Workers returns a snapshot of the worker list in insertion order.
func (s *Session) Workers() []*Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Worker, len(s.workers))
	copy(out, s.workers)
	return out
}

// Worker returns a worker by id.
func (s *Session) Worker(workerID id.WorkerID) (*Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		if w.ID == workerID {
			return w, true
		}
	}
	return nil, false
}

func (s *Session) addWorker(w *Worker) {
	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()
}

// replaceWorker swaps a worker in place, preserving list order. Used by
// restart so client-side references stay valid.
func (s *Session) replaceWorker(w *Worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.workers {
		if existing.ID == w.ID {
			s.workers[i] = w
			return true
		}
	}
	return false
}

func (s *Session) removeWorker(workerID id.WorkerID) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.workers {
		if w.ID == workerID {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			return w, true
		}
	}
	return nil, false
}

// ActivationState derives the session's activation from its workers.
func (s *Session) ActivationState() ActivationState {
	for _, w := range s.Workers() {
		if w.Running() {
			return ActivationRunning
		}
	}
	return ActivationHibernated
}

// View is the public projection of a session: no process handles, only
// observable state.
type View struct {
	ID              string          `json:"id"`
	Type            Type            `json:"type"`
	LocationPath    string          `json:"locationPath"`
	RepositoryID    string          `json:"repositoryId,omitempty"`
	WorktreeID      string          `json:"worktreeId,omitempty"`
	Branch          string          `json:"branch,omitempty"`
	IsMainWorktree  bool            `json:"isMainWorktree,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	Title           string          `json:"title,omitempty"`
	InitialPrompt   string          `json:"initialPrompt,omitempty"`
	Status          Status          `json:"status"`
	ActivationState ActivationState `json:"activationState"`
	Workers         []WorkerView    `json:"workers"`
}

// WorkerView is the public projection of a worker.
type WorkerView struct {
	ID         string        `json:"id"`
	Kind       Kind          `json:"kind"`
	Name       string        `json:"name"`
	CreatedAt  time.Time     `json:"createdAt"`
	Running    bool          `json:"running"`
	AgentID    string        `json:"agentId,omitempty"`
	BaseCommit string        `json:"baseCommit,omitempty"`
	Activity   ActivityState `json:"activity,omitempty"`
}

// ViewOf builds the public projection of a session.
func ViewOf(s *Session) View {
	workers := s.Workers()
	views := make([]WorkerView, 0, len(workers))
	for _, w := range workers {
		views = append(views, w.View())
	}
	return View{
		ID:              string(s.ID),
		Type:            s.Type,
		LocationPath:    s.LocationPath,
		RepositoryID:    s.RepositoryID,
		WorktreeID:      s.WorktreeID,
		Branch:          s.Branch(),
		IsMainWorktree:  s.IsMainWorktree,
		CreatedAt:       s.CreatedAt,
		Title:           s.Title(),
		InitialPrompt:   s.InitialPrompt,
		Status:          s.Status(),
		ActivationState: s.ActivationState(),
		Workers:         views,
	}
}

// NotificationSink receives lifecycle events for the transport layer.
// Declared here, consumer-side, so transports depend on this package and
// not the other way around.
type NotificationSink interface {
	SessionCreated(v View)
	SessionUpdated(v View)
	SessionDeleted(sessionID string)
	SessionPaused(sessionID string)
	SessionResumed(v View)
	WorkerActivated(sessionID string, w WorkerView)
	MessageSent(sessionID string, msg Message)
}

// NopSink discards all notifications. Useful in tests and tools.
type NopSink struct{}

func (NopSink) SessionCreated(View)                 {}
func (NopSink) SessionUpdated(View)                 {}
func (NopSink) SessionDeleted(string)               {}
func (NopSink) SessionPaused(string)                {}
func (NopSink) SessionResumed(View)                 {}
func (NopSink) WorkerActivated(string, WorkerView)  {}
func (NopSink) MessageSent(string, Message)         {}

var _ NotificationSink = NopSink{}
