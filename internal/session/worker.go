package session

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/crewhq/crew/internal/pty"
	"github.com/crewhq/crew/internal/shared/id"
	"github.com/crewhq/crew/internal/store"
	"github.com/crewhq/crew/internal/watch"
)

// Kind distinguishes the three worker variants.
type Kind string

const (
	KindAgent    Kind = store.KindAgent
	KindTerminal Kind = store.KindTerminal
	KindGitDiff  Kind = store.KindGitDiff
)

// PTYCapable reports whether this worker kind is backed by a process.
// Git-diff workers own a file-watch subscription instead.
func (k Kind) PTYCapable() bool {
	return k == KindAgent || k == KindTerminal
}

// processState is a tagged union: a worker is either deactivated (no
// process) or activated with a live handle. Modeling this as a type makes
// "is this worker running" a structural question instead of a nil check.
type processState interface {
	running() bool
}

type deactivated struct{}

func (deactivated) running() bool { return false }

type activated struct {
	handle pty.Handle
}

func (activated) running() bool { return true }

// AttachCallbacks receives a worker's output and exit events for one
// transport connection.
type AttachCallbacks struct {
	OnData func(data []byte)
	OnExit func(code int)
}

// Worker is one controllable process or watcher within a session.
type Worker struct {
	ID        id.WorkerID
	Kind      Kind
	Name      string
	CreatedAt time.Time
	AgentID   string

	mu          sync.Mutex
	state       processState
	baseCommit  string
	buffer      *OutputBuffer
	activity    *ActivityDetector
	watcher     *watch.Watcher
	subscribers map[id.ConnectionID]AttachCallbacks
	exited      bool
	exitCode    int
}

// newWorker constructs a deactivated worker shell.
func newWorker(workerID id.WorkerID, kind Kind, name string, createdAt time.Time, bufferSize int) *Worker {
	return &Worker{
		ID:          workerID,
		Kind:        kind,
		Name:        name,
		CreatedAt:   createdAt,
		state:       deactivated{},
		buffer:      NewOutputBuffer(bufferSize),
		subscribers: make(map[id.ConnectionID]AttachCallbacks),
	}
}

// Running reports whether a process is live for this worker. The derived
// session activation state aggregates this.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.running()
}

// PID returns the live process pid, or nil when deactivated.
func (w *Worker) PID() *int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if a, ok := w.state.(activated); ok {
		pid := a.handle.PID()
		return &pid
	}
	return nil
}

// BaseCommit returns the diff base for git-diff workers.
func (w *Worker) BaseCommit() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseCommit
}

func (w *Worker) setBaseCommit(commit string) {
	w.mu.Lock()
	w.baseCommit = commit
	w.mu.Unlock()
}

// Activity returns the activity classification for agent workers, or
// ActivityUnknown for other kinds.
func (w *Worker) Activity() ActivityState {
	w.mu.Lock()
	det := w.activity
	w.mu.Unlock()
	if det == nil {
		return ActivityUnknown
	}
	return det.State()
}

// activate installs a live process handle and wires its event stream into
// the output buffer, the activity detector, and attached connections.
// Activation paths check for an existing handle first, so a worker is
// never spawned twice concurrently.
func (w *Worker) activate(handle pty.Handle, detector *ActivityDetector) error {
	w.mu.Lock()
	if w.state.running() {
		w.mu.Unlock()
		return fmt.Errorf("worker %s already has a live process", w.ID)
	}
	w.state = activated{handle: handle}
	w.activity = detector
	w.exited = false
	w.mu.Unlock()

	handle.OnData(func(data []byte) {
		w.buffer.Write(data)

		w.mu.Lock()
		det := w.activity
		subs := make([]AttachCallbacks, 0, len(w.subscribers))
		for _, cb := range w.subscribers {
			subs = append(subs, cb)
		}
		w.mu.Unlock()

		if det != nil {
			det.ObserveOutput(data)
		}
		for _, cb := range subs {
			if cb.OnData != nil {
				cb.OnData(data)
			}
		}
	})

	handle.OnExit(func(code int) {
		w.handleExit(code)
	})

	return nil
}

// handleExit is the terminal event for an activation: the handle is
// dropped, the detector disposed exactly once, and every attached
// connection notified.
func (w *Worker) handleExit(code int) {
	w.mu.Lock()
	if w.exited {
		w.mu.Unlock()
		return
	}
	w.exited = true
	w.exitCode = code
	w.state = deactivated{}
	det := w.activity
	w.activity = nil
	subs := make([]AttachCallbacks, 0, len(w.subscribers))
	for _, cb := range w.subscribers {
		subs = append(subs, cb)
	}
	w.mu.Unlock()

	if det != nil {
		det.Dispose()
	}
	for _, cb := range subs {
		if cb.OnExit != nil {
			cb.OnExit(code)
		}
	}
}

// deactivate kills the live process, if any. The exit callback performs
// the state cleanup.
func (w *Worker) deactivate() {
	w.mu.Lock()
	a, ok := w.state.(activated)
	w.mu.Unlock()
	if !ok {
		return
	}
	_ = a.handle.Kill(syscall.SIGTERM)
}

// setWatcher installs the file-watch subscription for git-diff workers.
func (w *Worker) setWatcher(watcher *watch.Watcher) {
	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()
}

// stopWatcher closes the file-watch subscription, if any.
func (w *Worker) stopWatcher() {
	w.mu.Lock()
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()
	if watcher != nil {
		_ = watcher.Close()
	}
}

// Attach registers callbacks for one transport connection and returns the
// connection id used to detach later. Multiple connections (browser tabs)
// may observe the same worker concurrently.
func (w *Worker) Attach(cb AttachCallbacks) id.ConnectionID {
	connID := id.NewConnectionID()
	w.mu.Lock()
	w.subscribers[connID] = cb
	w.mu.Unlock()
	return connID
}

// Detach removes one connection's registration. The underlying process
// keeps running; detaching only stops event delivery.
func (w *Worker) Detach(connID id.ConnectionID) {
	w.mu.Lock()
	delete(w.subscribers, connID)
	w.mu.Unlock()
}

// Write sends raw input to the worker's PTY, feeding the typing heuristic.
func (w *Worker) Write(data []byte) error {
	w.mu.Lock()
	a, ok := w.state.(activated)
	det := w.activity
	w.mu.Unlock()

	if !ok {
		return fmt.Errorf("worker %s has no live process", w.ID)
	}
	if det != nil && len(data) > 0 {
		det.ObserveInput(data)
	}
	_, err := a.handle.Write(data)
	return err
}

// Resize changes the PTY dimensions.
func (w *Worker) Resize(cols, rows int) error {
	w.mu.Lock()
	a, ok := w.state.(activated)
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %s has no live process", w.ID)
	}
	return a.handle.Resize(cols, rows)
}

// Kill sends a signal to the worker process.
func (w *Worker) Kill(sig os.Signal) {
	w.mu.Lock()
	a, ok := w.state.(activated)
	w.mu.Unlock()
	if ok {
		_ = a.handle.Kill(sig)
	}
}

// OutputSnapshot returns buffered output for replay.
func (w *Worker) OutputSnapshot() []byte {
	return w.buffer.Snapshot()
}

// View builds the public projection.
func (w *Worker) View() WorkerView {
	v := WorkerView{
		ID:         string(w.ID),
		Kind:       w.Kind,
		Name:       w.Name,
		CreatedAt:  w.CreatedAt,
		Running:    w.Running(),
		AgentID:    w.AgentID,
		BaseCommit: w.BaseCommit(),
	}
	if w.Kind == KindAgent {
		v.Activity = w.Activity()
	}
	return v
}

// Record builds the persisted projection. The process handle never
// serializes; its pid stands in.
func (w *Worker) Record() store.WorkerRecord {
	return store.WorkerRecord{
		ID:         string(w.ID),
		Kind:       string(w.Kind),
		Name:       w.Name,
		CreatedAt:  w.CreatedAt,
		PID:        w.PID(),
		AgentID:    w.AgentID,
		BaseCommit: w.BaseCommit(),
	}
}

// workerFromRecord reconstructs a deactivated worker from its persisted
// projection.
func workerFromRecord(rec store.WorkerRecord, bufferSize int) *Worker {
	w := newWorker(id.WorkerID(rec.ID), Kind(rec.Kind), rec.Name, rec.CreatedAt, bufferSize)
	w.AgentID = rec.AgentID
	w.baseCommit = rec.BaseCommit
	return w
}
