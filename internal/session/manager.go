package session

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/crewhq/crew/internal/agents"
	"github.com/crewhq/crew/internal/config"
	"github.com/crewhq/crew/internal/jobs"
	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/pty"
	"github.com/crewhq/crew/internal/repo"
	"github.com/crewhq/crew/internal/shared/id"
	"github.com/crewhq/crew/internal/store"
)

// CreateParams describes a session creation request.
type CreateParams struct {
	Type           Type   `json:"type"`
	LocationPath   string `json:"locationPath"`
	RepositoryID   string `json:"repositoryId,omitempty"`
	WorktreeID     string `json:"worktreeId,omitempty"`
	Branch         string `json:"branch,omitempty"`
	IsMainWorktree bool   `json:"isMainWorktree,omitempty"`
	Title          string `json:"title,omitempty"`
	InitialPrompt  string `json:"initialPrompt,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
}

// Manager is the top-level session façade: it owns the in-memory registry,
// startup recovery, pause/resume, and message routing between workers.
// The registry is the source of truth while this server owns a session;
// the store is the source of truth across restarts.
type Manager struct {
	store *store.Store
	lc    *Lifecycle
	cfg   config.SessionConfig
	sink  NotificationSink
	jobs  *jobs.Queue
	log   *logging.Logger

	// serverPID stamps persisted records to claim ownership. Overridable
	// in tests that simulate sibling or dead server instances.
	serverPID  int
	pathExists func(string) bool

	mu       sync.RWMutex
	sessions map[id.SessionID]*Session

	// resumes collapses concurrent resume calls for the same id into a
	// single activation.
	resumes singleflight.Group

	history *history
}

// NewManager wires the session manager and its worker lifecycle engine.
func NewManager(st *store.Store, spawner pty.Spawner, catalog *agents.Catalog, repos *repo.Lookup, queue *jobs.Queue, cfg config.SessionConfig, sink NotificationSink, log *logging.Logger) *Manager {
	if sink == nil {
		sink = NopSink{}
	}
	m := &Manager{
		store:      st,
		cfg:        cfg,
		sink:       sink,
		jobs:       queue,
		log:        log.WithComponent("session-manager"),
		serverPID:  os.Getpid(),
		pathExists: defaultPathExists,
		sessions:   make(map[id.SessionID]*Session),
		history:    newHistory(cfg.MessageHistoryLimit),
	}
	m.lc = NewLifecycle(spawner, catalog, repos, cfg, sink, log, m.persistSession)
	return m
}

func defaultPathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CreateSession registers the session first, then creates the mandatory
// agent and git-diff workers concurrently. Partial creation is not rolled
// back when one worker fails; the error surfaces and the session stays
// resident with whatever was created.
func (m *Manager) CreateSession(params CreateParams) (*Session, error) {
	if !m.pathExists(params.LocationPath) {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, params.LocationPath)
	}

	sess := &Session{
		ID:             id.NewSessionID(),
		Type:           params.Type,
		LocationPath:   params.LocationPath,
		RepositoryID:   params.RepositoryID,
		WorktreeID:     params.WorktreeID,
		branch:         params.Branch,
		IsMainWorktree: params.IsMainWorktree,
		CreatedAt:      nowUTC(),
		InitialPrompt:  params.InitialPrompt,
		title:          params.Title,
		status:         StatusActive,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		_, err := m.lc.CreateWorker(sess, WorkerParams{Kind: KindAgent, AgentID: params.AgentID}, false, params.InitialPrompt)
		return err
	})
	g.Go(func() error {
		_, err := m.lc.CreateWorker(sess, WorkerParams{Kind: KindGitDiff}, false, "")
		return err
	})
	if err := g.Wait(); err != nil {
		m.log.WithSession(string(sess.ID)).Error("session creation failed", zap.Error(err))
		return nil, err
	}

	if err := m.persistSession(sess); err != nil {
		return nil, err
	}

	m.sink.SessionCreated(ViewOf(sess))
	m.log.WithSession(string(sess.ID)).Info("session created",
		zap.String("type", string(sess.Type)), zap.String("path", sess.LocationPath))
	return sess, nil
}

// GetSession returns a resident session. Paused and deleted sessions are
// not resident; callers needing paused sessions use ListPaused.
func (m *Manager) GetSession(sessionID id.SessionID) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// ListSessions returns views of all resident sessions ordered by creation.
func (m *Manager) ListSessions() []View {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	views := make([]View, 0, len(all))
	for _, sess := range all {
		views = append(views, ViewOf(sess))
	}
	return views
}

// ListPaused returns views of persisted sessions with no owner.
func (m *Manager) ListPaused() ([]View, error) {
	records, err := m.store.FindPaused()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	views := make([]View, 0, len(records))
	for i := range records {
		views = append(views, viewFromRecord(&records[i]))
	}
	return views, nil
}

// UpdateSessionTitle sets the mutable title and persists.
func (m *Manager) UpdateSessionTitle(sessionID id.SessionID, title string) error {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	sess.SetTitle(title)
	if err := m.persistSession(sess); err != nil {
		return err
	}
	m.sink.SessionUpdated(ViewOf(sess))
	return nil
}

// DeleteSession tears a session down. The deleted notification fires
// before any kill signal so clients can detach cleanly. If the store
// delete fails after the registry entry was removed, the entry is put
// back so the operation stays retriable.
func (m *Manager) DeleteSession(sessionID id.SessionID) error {
	m.mu.Lock()
	sess, resident := m.sessions[sessionID]
	if resident {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !resident {
		return m.deletePersistedSession(sessionID)
	}

	m.sink.SessionDeleted(string(sessionID))

	for _, w := range sess.Workers() {
		if w.Kind.PTYCapable() {
			w.deactivate()
		} else {
			w.stopWatcher()
		}
	}

	if err := m.store.Delete(string(sessionID)); err != nil {
		m.mu.Lock()
		m.sessions[sessionID] = sess
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	m.history.drop(sessionID)
	m.jobs.Enqueue(jobs.TypeCleanupSessionArtifacts, string(sessionID))

	m.log.WithSession(string(sessionID)).Info("session deleted")
	return nil
}

// deletePersistedSession removes a non-resident (paused) session's record.
func (m *Manager) deletePersistedSession(sessionID id.SessionID) error {
	rec, err := m.store.FindByID(string(sessionID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	if rec == nil {
		return ErrSessionNotFound
	}

	m.sink.SessionDeleted(string(sessionID))
	if err := m.store.Delete(string(sessionID)); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	m.history.drop(sessionID)
	m.jobs.Enqueue(jobs.TypeCleanupSessionArtifacts, string(sessionID))
	return nil
}

// PauseSession kills every PTY worker, persists the record with no owner,
// and drops the session from the registry. Worker metadata survives so a
// later resume reconstructs the same identities. Quick sessions have no
// home to return to and must be deleted instead.
func (m *Manager) PauseSession(sessionID id.SessionID) error {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Type != TypeWorktree {
		return ErrCannotPauseQuick
	}

	// Kill first, persist after: a crash here leaves an owned record
	// with recorded pids, which the next recovery pass cleans up. The
	// reverse order would strand live processes behind a paused record
	// that recovery never touches.
	for _, w := range sess.Workers() {
		if w.Kind.PTYCapable() {
			w.deactivate()
		} else {
			w.stopWatcher()
		}
	}

	rec := recordOf(sess, nil)
	stripWorkerPIDs(&rec)
	if err := m.store.Save(&rec); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.sink.SessionPaused(string(sessionID))
	m.log.WithSession(string(sessionID)).Info("session paused")
	return nil
}

// ResumeSession brings a paused session back: reconstruct workers from the
// record, re-activate every PTY-capable worker with continue-conversation
// semantics, and only then claim ownership. Activation is all-or-nothing:
// a failure kills whatever was activated and leaves the record paused.
// Concurrent calls for the same id collapse into one activation.
func (m *Manager) ResumeSession(sessionID id.SessionID) (*Session, error) {
	if sess, err := m.GetSession(sessionID); err == nil {
		return sess, nil
	}

	result, err, _ := m.resumes.Do(string(sessionID), func() (any, error) {
		return m.resume(sessionID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Session), nil
}

func (m *Manager) resume(sessionID id.SessionID) (*Session, error) {
	// A racing call may have finished before this one entered the group.
	if sess, err := m.GetSession(sessionID); err == nil {
		return sess, nil
	}

	rec, err := m.store.FindByID(string(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	if !m.pathExists(rec.LocationPath) {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, rec.LocationPath)
	}

	sess := m.sessionFromRecord(rec)

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	rollback := func() {
		for _, w := range sess.Workers() {
			if w.Kind.PTYCapable() {
				w.deactivate()
			} else {
				w.stopWatcher()
			}
		}
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
	}

	for _, w := range sess.Workers() {
		switch {
		case w.Kind.PTYCapable():
			if err := m.lc.activateWorker(sess, w, "", true); err != nil {
				rollback()
				return nil, err
			}
		default:
			m.lc.startDiffWatch(sess, w)
		}
	}

	if err := m.persistSession(sess); err != nil {
		rollback()
		return nil, err
	}

	m.sink.SessionResumed(ViewOf(sess))
	m.log.WithSession(string(sessionID)).Info("session resumed")
	return sess, nil
}

// CreateWorker adds a worker to a resident session.
func (m *Manager) CreateWorker(sessionID id.SessionID, params WorkerParams, continueConversation bool, initialPrompt string) (*Worker, error) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return m.lc.CreateWorker(sess, params, continueConversation, initialPrompt)
}

// RestoreWorker lazily re-activates a worker after recovery or pause.
func (m *Manager) RestoreWorker(sessionID id.SessionID, workerID id.WorkerID) (*Worker, error) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return m.lc.RestoreWorker(sess, workerID)
}

// RestartAgentWorker re-creates an agent worker in place.
func (m *Manager) RestartAgentWorker(sessionID id.SessionID, workerID id.WorkerID, continueConversation bool, agentID, branch string) (*Worker, error) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return m.lc.RestartAgentWorker(sess, workerID, continueConversation, agentID, branch)
}

// DeleteWorker removes one worker from a resident session.
func (m *Manager) DeleteWorker(sessionID id.SessionID, workerID id.WorkerID) error {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	return m.lc.DeleteWorker(sess, workerID)
}

// AttachWorkerCallbacks registers one transport connection's callbacks on
// a worker and returns the connection id used to detach.
func (m *Manager) AttachWorkerCallbacks(sessionID id.SessionID, workerID id.WorkerID, cb AttachCallbacks) (id.ConnectionID, error) {
	w, err := m.workerByID(sessionID, workerID)
	if err != nil {
		return "", err
	}
	return w.Attach(cb), nil
}

// DetachWorkerCallbacks removes one connection's registration. The
// underlying process keeps running.
func (m *Manager) DetachWorkerCallbacks(sessionID id.SessionID, workerID id.WorkerID, connID id.ConnectionID) error {
	w, err := m.workerByID(sessionID, workerID)
	if err != nil {
		return err
	}
	w.Detach(connID)
	return nil
}

// WriteWorkerInput forwards raw input to a worker's PTY.
func (m *Manager) WriteWorkerInput(sessionID id.SessionID, workerID id.WorkerID, data []byte) error {
	w, err := m.workerByID(sessionID, workerID)
	if err != nil {
		return err
	}
	return w.Write(data)
}

// ResizeWorker forwards a resize to a worker's PTY.
func (m *Manager) ResizeWorker(sessionID id.SessionID, workerID id.WorkerID, cols, rows int) error {
	w, err := m.workerByID(sessionID, workerID)
	if err != nil {
		return err
	}
	return w.Resize(cols, rows)
}

func (m *Manager) workerByID(sessionID id.SessionID, workerID id.WorkerID) (*Worker, error) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	w, ok := sess.Worker(workerID)
	if !ok {
		return nil, ErrWorkerNotFound
	}
	return w, nil
}

// persistSession writes the session record stamped with this server's pid.
// A session that has left the registry lost a race with a concurrent
// delete or pause; writing it back would resurrect the record on disk,
// so the late mutation fails instead.
func (m *Manager) persistSession(sess *Session) error {
	m.mu.Lock()
	_, resident := m.sessions[sess.ID]
	m.mu.Unlock()
	if !resident {
		return ErrSessionNotFound
	}

	pid := m.serverPID
	rec := recordOf(sess, &pid)
	if err := m.store.Save(&rec); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	return nil
}

// recordOf builds the persisted projection of a session.
func recordOf(sess *Session, serverPID *int) store.SessionRecord {
	workers := sess.Workers()
	records := make([]store.WorkerRecord, 0, len(workers))
	for _, w := range workers {
		records = append(records, w.Record())
	}
	return store.SessionRecord{
		ID:             string(sess.ID),
		Type:           string(sess.Type),
		LocationPath:   sess.LocationPath,
		RepositoryID:   sess.RepositoryID,
		WorktreeID:     sess.WorktreeID,
		Branch:         sess.Branch(),
		IsMainWorktree: sess.IsMainWorktree,
		ServerPID:      serverPID,
		CreatedAt:      sess.CreatedAt,
		Title:          sess.Title(),
		InitialPrompt:  sess.InitialPrompt,
		Workers:        records,
	}
}

// stripWorkerPIDs clears recorded pids, used when persisting a pause where
// the processes are being killed in the same operation.
func stripWorkerPIDs(rec *store.SessionRecord) {
	for i := range rec.Workers {
		rec.Workers[i].PID = nil
	}
}

// sessionFromRecord reconstructs an in-memory session with every worker
// deactivated. Process handles are never persisted.
func (m *Manager) sessionFromRecord(rec *store.SessionRecord) *Session {
	sess := &Session{
		ID:             id.SessionID(rec.ID),
		Type:           Type(rec.Type),
		LocationPath:   rec.LocationPath,
		RepositoryID:   rec.RepositoryID,
		WorktreeID:     rec.WorktreeID,
		branch:         rec.Branch,
		IsMainWorktree: rec.IsMainWorktree,
		CreatedAt:      rec.CreatedAt,
		InitialPrompt:  rec.InitialPrompt,
		title:          rec.Title,
		status:         StatusActive,
	}
	for _, wr := range rec.Workers {
		sess.workers = append(sess.workers, workerFromRecord(wr, m.cfg.OutputBufferSize))
	}
	return sess
}

// viewFromRecord projects a persisted record for listing without making
// the session resident.
func viewFromRecord(rec *store.SessionRecord) View {
	workers := make([]WorkerView, 0, len(rec.Workers))
	for _, wr := range rec.Workers {
		workers = append(workers, WorkerView{
			ID:         wr.ID,
			Kind:       Kind(wr.Kind),
			Name:       wr.Name,
			CreatedAt:  wr.CreatedAt,
			AgentID:    wr.AgentID,
			BaseCommit: wr.BaseCommit,
		})
	}
	return View{
		ID:              rec.ID,
		Type:            Type(rec.Type),
		LocationPath:    rec.LocationPath,
		RepositoryID:    rec.RepositoryID,
		WorktreeID:      rec.WorktreeID,
		Branch:          rec.Branch,
		IsMainWorktree:  rec.IsMainWorktree,
		CreatedAt:       rec.CreatedAt,
		Title:           rec.Title,
		InitialPrompt:   rec.InitialPrompt,
		Status:          StatusInactive,
		ActivationState: ActivationHibernated,
		Workers:         workers,
	}
}
