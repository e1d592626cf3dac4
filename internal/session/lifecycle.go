package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crewhq/crew/internal/agents"
	"github.com/crewhq/crew/internal/config"
	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/pty"
	"github.com/crewhq/crew/internal/repo"
	"github.com/crewhq/crew/internal/shared/id"
	"github.com/crewhq/crew/internal/watch"
)

// WorkerParams describes a worker creation request.
type WorkerParams struct {
	Kind    Kind   `json:"kind"`
	Name    string `json:"name,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}

// Lifecycle orchestrates create/delete/restart/restore/attach of workers
// within a session. It drives the process capability; the session manager
// drives it.
type Lifecycle struct {
	spawner pty.Spawner
	agents  *agents.Catalog
	repos   *repo.Lookup
	cfg     config.SessionConfig
	log     *logging.Logger
	sink    NotificationSink

	// persist writes the owning session's record after every mutation.
	persist func(*Session) error
	// newWatcher is injectable for tests that have no real directory tree.
	newWatcher func(root string, onChange func()) (*watch.Watcher, error)
}

// NewLifecycle wires a lifecycle manager. All collaborators are injected.
func NewLifecycle(spawner pty.Spawner, catalog *agents.Catalog, repos *repo.Lookup, cfg config.SessionConfig, sink NotificationSink, log *logging.Logger, persist func(*Session) error) *Lifecycle {
	return &Lifecycle{
		spawner:    spawner,
		agents:     catalog,
		repos:      repos,
		cfg:        cfg,
		log:        log.WithComponent("lifecycle"),
		sink:       sink,
		persist:    persist,
		newWatcher: watch.New,
	}
}

// CreateWorker constructs a worker per its kind, wires its event stream,
// inserts it into the session's worker set, and persists the session.
func (l *Lifecycle) CreateWorker(sess *Session, params WorkerParams, continueConversation bool, initialPrompt string) (*Worker, error) {
	name := params.Name
	if name == "" {
		name = l.defaultName(params)
	}

	w := newWorker(id.NewWorkerID(), params.Kind, name, time.Now().UTC(), l.cfg.OutputBufferSize)

	switch params.Kind {
	case KindAgent:
		agentID := params.AgentID
		if agentID == "" {
			agentID = agents.DefaultID
		}
		w.AgentID = agentID
		if err := l.activateWorker(sess, w, initialPrompt, continueConversation); err != nil {
			return nil, err
		}
	case KindTerminal:
		if err := l.activateWorker(sess, w, "", false); err != nil {
			return nil, err
		}
	case KindGitDiff:
		l.startDiffWatch(sess, w)
	default:
		return nil, fmt.Errorf("unknown worker kind: %s", params.Kind)
	}

	sess.addWorker(w)
	if err := l.persist(sess); err != nil {
		// The session may have been deleted while the worker spawned.
		// Undo the insert and kill the process so nothing leaks.
		sess.removeWorker(w.ID)
		if w.Kind.PTYCapable() {
			w.deactivate()
		} else {
			w.stopWatcher()
		}
		return nil, err
	}

	l.log.WithWorker(string(sess.ID), string(w.ID)).Info("worker created", zap.String("kind", string(w.Kind)))
	return w, nil
}

// RestoreWorker lazily re-activates a worker whose process handle is
// currently absent, reusing the same id and name with continue-conversation
// semantics. This is the deferred counterpart to eager resume: the respawn
// cost is paid when a client actually reconnects.
func (l *Lifecycle) RestoreWorker(sess *Session, workerID id.WorkerID) (*Worker, error) {
	w, ok := sess.Worker(workerID)
	if !ok {
		return nil, ErrWorkerNotFound
	}
	if !w.Kind.PTYCapable() {
		return nil, fmt.Errorf("worker %s is not process-backed", workerID)
	}
	if w.Running() {
		return w, nil
	}

	if err := l.activateWorker(sess, w, "", true); err != nil {
		return nil, err
	}
	if err := l.persist(sess); err != nil {
		return nil, err
	}
	return w, nil
}

// RestartAgentWorker kills the existing process for the worker and
// re-creates it with the same id, so client-side references remain valid.
// Agent and branch stay unchanged unless overridden.
func (l *Lifecycle) RestartAgentWorker(sess *Session, workerID id.WorkerID, continueConversation bool, agentID, branch string) (*Worker, error) {
	old, ok := sess.Worker(workerID)
	if !ok {
		return nil, ErrWorkerNotFound
	}
	if old.Kind != KindAgent {
		return nil, fmt.Errorf("worker %s is not an agent", workerID)
	}

	old.deactivate()

	if branch != "" {
		sess.setBranch(branch)
	}

	w := newWorker(old.ID, KindAgent, old.Name, old.CreatedAt, l.cfg.OutputBufferSize)
	w.AgentID = old.AgentID
	if agentID != "" {
		w.AgentID = agentID
	}

	if err := l.activateWorker(sess, w, "", continueConversation); err != nil {
		return nil, err
	}
	if !sess.replaceWorker(w) {
		// Session was mutated concurrently; kill the replacement process
		w.deactivate()
		return nil, ErrWorkerNotFound
	}
	if err := l.persist(sess); err != nil {
		return nil, err
	}

	l.log.WithWorker(string(sess.ID), string(w.ID)).Info("agent worker restarted",
		zap.String("agent_id", w.AgentID), zap.Bool("continue", continueConversation))
	return w, nil
}

// DeleteWorker kills the worker's process (or stops its file watcher),
// removes it from the session, and persists.
func (l *Lifecycle) DeleteWorker(sess *Session, workerID id.WorkerID) error {
	w, ok := sess.removeWorker(workerID)
	if !ok {
		return ErrWorkerNotFound
	}

	if w.Kind.PTYCapable() {
		w.deactivate()
	} else {
		w.stopWatcher()
	}

	return l.persist(sess)
}

// activateWorker spawns the process for a PTY-capable worker and wires
// its handle. An existing live process is left untouched.
func (l *Lifecycle) activateWorker(sess *Session, w *Worker, prompt string, continueConversation bool) error {
	if w.Running() {
		return nil
	}

	var command string
	var args []string

	switch w.Kind {
	case KindAgent:
		def, ok := l.agents.Get(w.AgentID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrAgentNotFound, w.AgentID)
		}
		command, args = agents.Expand(def, prompt, sess.LocationPath, continueConversation)
	case KindTerminal:
		command = os.Getenv("SHELL")
		if command == "" {
			command = "/bin/bash"
		}
		args = []string{"-l"}
	default:
		return fmt.Errorf("worker kind %s has no process", w.Kind)
	}

	handle, err := l.spawner.Spawn(command, args, pty.Options{
		Cwd:  sess.LocationPath,
		Env:  l.repos.WorkerEnv(sess.RepositoryID),
		Cols: l.cfg.TermCols,
		Rows: l.cfg.TermRows,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}

	var detector *ActivityDetector
	if w.Kind == KindAgent {
		sessID := string(sess.ID)
		detector = NewActivityDetector(func(state ActivityState) {
			l.log.WithWorker(sessID, string(w.ID)).Debug("activity changed", zap.String("state", string(state)))
			l.sink.SessionUpdated(ViewOf(sess))
		})
	}

	if err := w.activate(handle, detector); err != nil {
		// Lost the race against a concurrent activation; this spawn loses
		_ = handle.Kill(os.Kill)
		return nil
	}

	l.sink.WorkerActivated(string(sess.ID), w.View())
	return nil
}

// startDiffWatch resolves the diff base asynchronously and subscribes the
// worker to filesystem changes under the session's location. An existing
// base commit (a restored worker) is kept rather than recomputed.
func (l *Lifecycle) startDiffWatch(sess *Session, w *Worker) {
	go func() {
		if w.BaseCommit() != "" {
			return
		}
		if commit, err := resolveBaseCommit(sess.LocationPath); err == nil {
			w.setBaseCommit(commit)
			if err := l.persist(sess); err != nil {
				l.log.WithWorker(string(sess.ID), string(w.ID)).Warn("failed to persist base commit", zap.Error(err))
			}
		}
	}()

	watcher, err := l.newWatcher(sess.LocationPath, func() {
		l.sink.SessionUpdated(ViewOf(sess))
	})
	if err != nil {
		l.log.WithWorker(string(sess.ID), string(w.ID)).Warn("failed to start diff watcher", zap.Error(err))
		return
	}
	w.setWatcher(watcher)
}

func (l *Lifecycle) defaultName(params WorkerParams) string {
	switch params.Kind {
	case KindAgent:
		agentID := params.AgentID
		if agentID == "" {
			agentID = agents.DefaultID
		}
		if def, ok := l.agents.Get(agentID); ok {
			return def.DisplayName
		}
		return "Agent"
	case KindTerminal:
		return "Terminal"
	case KindGitDiff:
		return "Changes"
	default:
		return string(params.Kind)
	}
}

// resolveBaseCommit asks git for the current HEAD of the session location.
func resolveBaseCommit(dir string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to resolve base commit: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
