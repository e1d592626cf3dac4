package session

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewhq/crew/internal/agents"
	"github.com/crewhq/crew/internal/config"
	"github.com/crewhq/crew/internal/jobs"
	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/pty"
	"github.com/crewhq/crew/internal/repo"
	"github.com/crewhq/crew/internal/store"
)

// fakeWrite is one recorded PTY write with its wall-clock time.
type fakeWrite struct {
	data []byte
	at   time.Time
}

// fakeHandle is an in-memory pty.Handle that records writes and signals
// and reports exit synchronously when killed.
type fakeHandle struct {
	mu        sync.Mutex
	pid       int
	writes    []fakeWrite
	onData    func([]byte)
	onExit    func(int)
	killed    []os.Signal
	exited    bool
	failWrite bool

	// beforeKill observes the signal before the exit callback runs.
	beforeKill func(os.Signal)
}

func (h *fakeHandle) Write(data []byte) (int, error) {
	h.mu.Lock()
	fail := h.failWrite
	if !fail {
		cp := make([]byte, len(data))
		copy(cp, data)
		h.writes = append(h.writes, fakeWrite{data: cp, at: time.Now()})
	}
	h.mu.Unlock()
	if fail {
		return 0, errors.New("write to closed pty")
	}
	return len(data), nil
}

func (h *fakeHandle) Resize(cols, rows int) error { return nil }

func (h *fakeHandle) Kill(sig os.Signal) error {
	h.mu.Lock()
	h.killed = append(h.killed, sig)
	hook := h.beforeKill
	alreadyExited := h.exited
	h.exited = true
	cb := h.onExit
	h.mu.Unlock()

	if hook != nil {
		hook(sig)
	}
	if !alreadyExited && cb != nil {
		cb(0)
	}
	return nil
}

func (h *fakeHandle) OnData(cb func(data []byte)) {
	h.mu.Lock()
	h.onData = cb
	h.mu.Unlock()
}

func (h *fakeHandle) OnExit(cb func(code int)) {
	h.mu.Lock()
	h.onExit = cb
	h.mu.Unlock()
}

func (h *fakeHandle) PID() int { return h.pid }

// exit reports process termination through the registered exit callback.
func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	already := h.exited
	h.exited = true
	cb := h.onExit
	h.mu.Unlock()
	if !already && cb != nil {
		cb(code)
	}
}

// emit pushes output through the registered data callback, as the real
// PTY read loop would.
func (h *fakeHandle) emit(data []byte) {
	h.mu.Lock()
	cb := h.onData
	h.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (h *fakeHandle) writeLog() []fakeWrite {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]fakeWrite, len(h.writes))
	copy(out, h.writes)
	return out
}

func (h *fakeHandle) signals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]os.Signal, len(h.killed))
	copy(out, h.killed)
	return out
}

// fakeSpawn is one recorded spawn request.
type fakeSpawn struct {
	command string
	args    []string
	opts    pty.Options
	handle  *fakeHandle
}

// fakeSpawner hands out fakeHandles and records every spawn.
type fakeSpawner struct {
	mu      sync.Mutex
	spawns  []fakeSpawn
	nextPID int
	failAll bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 10000}
}

func (s *fakeSpawner) Spawn(command string, args []string, opts pty.Options) (pty.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errors.New("spawn refused")
	}
	s.nextPID++
	h := &fakeHandle{pid: s.nextPID}
	s.spawns = append(s.spawns, fakeSpawn{command: command, args: args, opts: opts, handle: h})
	return h, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawns)
}

func (s *fakeSpawner) all() []fakeSpawn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fakeSpawn, len(s.spawns))
	copy(out, s.spawns)
	return out
}

// handleFor returns the most recent handle spawned for the given kind's
// command, or the latest handle overall when command is empty.
func (s *fakeSpawner) lastHandle() *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spawns) == 0 {
		return nil
	}
	return s.spawns[len(s.spawns)-1].handle
}

// recordingSink captures notification order.
type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) record(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) SessionCreated(v View)                { r.record("created:" + v.ID) }
func (r *recordingSink) SessionUpdated(v View)                { r.record("updated:" + v.ID) }
func (r *recordingSink) SessionDeleted(sessionID string)      { r.record("deleted:" + sessionID) }
func (r *recordingSink) SessionPaused(sessionID string)       { r.record("paused:" + sessionID) }
func (r *recordingSink) SessionResumed(v View)                { r.record("resumed:" + v.ID) }
func (r *recordingSink) WorkerActivated(sid string, w WorkerView) {
	r.record("worker-activated:" + sid)
}
func (r *recordingSink) MessageSent(sid string, msg Message) { r.record("message:" + sid) }

func (r *recordingSink) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

// testEnv bundles a manager wired against fakes and a temp store.
type testEnv struct {
	mgr     *Manager
	spawner *fakeSpawner
	sink    *recordingSink
	store   *store.Store
	workdir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dataDir := t.TempDir()
	st, err := store.New(dataDir)
	require.NoError(t, err)

	workdir := t.TempDir()

	repos, err := repo.Load(filepath.Join(dataDir, "repositories.yaml"))
	require.NoError(t, err)

	queue := jobs.New(1, 16, logging.NewNop())
	t.Cleanup(queue.Close)

	spawner := newFakeSpawner()
	sink := &recordingSink{}

	cfg := config.SessionConfig{
		MessageDelay:        30 * time.Millisecond,
		OutputBufferSize:    4096,
		MessageHistoryLimit: 16,
		TermCols:            80,
		TermRows:            24,
	}

	mgr := NewManager(st, spawner, agents.NewCatalog(), repos, queue, cfg, sink, logging.NewNop())

	return &testEnv{mgr: mgr, spawner: spawner, sink: sink, store: st, workdir: workdir}
}

// createWorktreeSession makes a session rooted at the env workdir.
func (e *testEnv) createWorktreeSession(t *testing.T) *Session {
	t.Helper()
	sess, err := e.mgr.CreateSession(CreateParams{
		Type:         TypeWorktree,
		LocationPath: e.workdir,
		RepositoryID: "repo-1",
		WorktreeID:   "wt-1",
		Branch:       "main",
	})
	require.NoError(t, err)
	return sess
}

// workerOfKind finds the first worker of the given kind.
func workerOfKind(t *testing.T, sess *Session, kind Kind) *Worker {
	t.Helper()
	for _, w := range sess.Workers() {
		if w.Kind == kind {
			return w
		}
	}
	t.Fatalf("no %s worker in session %s", kind, sess.ID)
	return nil
}
