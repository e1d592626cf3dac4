package session

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crew/internal/pty"
	"github.com/crewhq/crew/internal/shared/id"
	"github.com/crewhq/crew/internal/store"
)

func TestCreateSessionSpawnsMandatoryWorkers(t *testing.T) {
	env := newTestEnv(t)

	sess := env.createWorktreeSession(t)

	workers := sess.Workers()
	require.Len(t, workers, 2)

	kinds := []string{string(workers[0].Kind), string(workers[1].Kind)}
	sort.Strings(kinds)
	assert.Equal(t, []string{"agent", "git-diff"}, kinds)

	agent := workerOfKind(t, sess, KindAgent)
	assert.True(t, agent.Running())
	assert.Equal(t, ActivationRunning, sess.ActivationState())

	rec, err := env.store.FindByID(string(sess.ID))
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NotNil(t, rec.ServerPID)
	assert.Equal(t, env.mgr.serverPID, *rec.ServerPID)

	assert.Contains(t, env.sink.all(), "created:"+string(sess.ID))
}

func TestCreateSessionMissingPath(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.CreateSession(CreateParams{
		Type:         TypeQuick,
		LocationPath: filepath.Join(env.workdir, "does-not-exist"),
	})
	require.ErrorIs(t, err, ErrPathNotFound)
}

func TestGetSessionNotResident(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.GetSession(id.SessionID("sess_missing"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPauseQuickSessionRejected(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.mgr.CreateSession(CreateParams{
		Type:         TypeQuick,
		LocationPath: env.workdir,
	})
	require.NoError(t, err)

	err = env.mgr.PauseSession(sess.ID)
	assert.ErrorIs(t, err, ErrCannotPauseQuick)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	var beforeIDs []string
	var beforeNames []string
	for _, w := range sess.Workers() {
		beforeIDs = append(beforeIDs, string(w.ID))
		beforeNames = append(beforeNames, w.Name)
	}
	agentBefore := workerOfKind(t, sess, KindAgent)
	agentID := agentBefore.AgentID

	require.NoError(t, env.mgr.PauseSession(sess.ID))

	_, err := env.mgr.GetSession(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rec, err := env.store.FindByID(string(sess.ID))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Nil(t, rec.ServerPID)
	for _, wr := range rec.Workers {
		assert.Nil(t, wr.PID)
	}

	// The agent process received a kill on pause.
	assert.NotEmpty(t, env.spawner.all()[0].handle.signals())

	resumed, err := env.mgr.ResumeSession(sess.ID)
	require.NoError(t, err)

	var afterIDs []string
	var afterNames []string
	for _, w := range resumed.Workers() {
		afterIDs = append(afterIDs, string(w.ID))
		afterNames = append(afterNames, w.Name)
	}
	assert.Equal(t, beforeIDs, afterIDs, "worker identities survive pause")
	assert.Equal(t, beforeNames, afterNames)
	assert.Equal(t, agentID, workerOfKind(t, resumed, KindAgent).AgentID)
	assert.Equal(t, ActivationRunning, resumed.ActivationState())

	rec, err = env.store.FindByID(string(sess.ID))
	require.NoError(t, err)
	require.NotNil(t, rec.ServerPID)
	assert.Equal(t, env.mgr.serverPID, *rec.ServerPID)

	assert.Contains(t, env.sink.all(), "resumed:"+string(sess.ID))
}

func TestResumeIdempotentWhenResident(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	before := env.spawner.count()
	again, err := env.mgr.ResumeSession(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, again)
	assert.Equal(t, before, env.spawner.count())
}

func TestConcurrentResumeActivatesOnce(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)
	require.NoError(t, env.mgr.PauseSession(sess.ID))

	before := env.spawner.count()

	var wg sync.WaitGroup
	results := make([]*Session, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := env.mgr.ResumeSession(sess.ID)
			require.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	// One agent worker, so exactly one new process regardless of callers.
	assert.Equal(t, before+1, env.spawner.count())
	for _, got := range results[1:] {
		assert.Same(t, results[0], got)
	}
}

func TestResumeMissingPath(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)
	require.NoError(t, env.mgr.PauseSession(sess.ID))

	env.mgr.pathExists = func(string) bool { return false }

	_, err := env.mgr.ResumeSession(sess.ID)
	require.ErrorIs(t, err, ErrPathNotFound)

	rec, ferr := env.store.FindByID(string(sess.ID))
	require.NoError(t, ferr)
	assert.Nil(t, rec.ServerPID, "failed resume leaves the record paused")
}

func TestResumeRollsBackOnActivationFailure(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)
	require.NoError(t, env.mgr.PauseSession(sess.ID))

	env.spawner.mu.Lock()
	env.spawner.failAll = true
	env.spawner.mu.Unlock()

	_, err := env.mgr.ResumeSession(sess.ID)
	require.ErrorIs(t, err, ErrActivationFailed)

	_, err = env.mgr.GetSession(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "failed resume is fully rolled back")

	rec, ferr := env.store.FindByID(string(sess.ID))
	require.NoError(t, ferr)
	assert.Nil(t, rec.ServerPID)

	// The session resumes cleanly once spawning works again.
	env.spawner.mu.Lock()
	env.spawner.failAll = false
	env.spawner.mu.Unlock()

	resumed, rerr := env.mgr.ResumeSession(sess.ID)
	require.NoError(t, rerr)
	assert.Equal(t, ActivationRunning, resumed.ActivationState())
}

func TestDeleteNotifiesBeforeKill(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	agentHandle := env.spawner.all()[0].handle
	agentHandle.mu.Lock()
	agentHandle.beforeKill = func(os.Signal) { env.sink.record("kill") }
	agentHandle.mu.Unlock()

	require.NoError(t, env.mgr.DeleteSession(sess.ID))

	events := env.sink.all()
	deletedAt, killAt := -1, -1
	for i, ev := range events {
		switch ev {
		case "deleted:" + string(sess.ID):
			deletedAt = i
		case "kill":
			killAt = i
		}
	}
	require.GreaterOrEqual(t, deletedAt, 0)
	require.GreaterOrEqual(t, killAt, 0)
	assert.Less(t, deletedAt, killAt, "deleted notification precedes kill")

	rec, err := env.store.FindByID(string(sess.ID))
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = env.mgr.GetSession(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeletePausedSession(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)
	require.NoError(t, env.mgr.PauseSession(sess.ID))

	require.NoError(t, env.mgr.DeleteSession(sess.ID))

	rec, err := env.store.FindByID(string(sess.ID))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpdateSessionTitle(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	require.NoError(t, env.mgr.UpdateSessionTitle(sess.ID, "refactor auth"))
	assert.Equal(t, "refactor auth", sess.Title())

	rec, err := env.store.FindByID(string(sess.ID))
	require.NoError(t, err)
	assert.Equal(t, "refactor auth", rec.Title)
}

func TestListPaused(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	paused, err := env.mgr.ListPaused()
	require.NoError(t, err)
	assert.Empty(t, paused)

	require.NoError(t, env.mgr.PauseSession(sess.ID))

	paused, err = env.mgr.ListPaused()
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, string(sess.ID), paused[0].ID)
	assert.Equal(t, ActivationHibernated, paused[0].ActivationState)
}

// deadPID returns the pid of a process that has already exited and been
// reaped.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

// persistRecord writes a session record straight into the store, as a
// previous server instance would have left it.
func persistRecord(t *testing.T, env *testEnv, sessionID, location string, serverPID, workerPID *int) {
	t.Helper()
	workers := []store.WorkerRecord{{
		ID:        "wkr_recovery_agent",
		Kind:      store.KindAgent,
		Name:      "Claude",
		CreatedAt: time.Now().UTC(),
		PID:       workerPID,
		AgentID:   "claude",
	}}
	rec := store.SessionRecord{
		ID:           sessionID,
		Type:         store.TypeWorktree,
		LocationPath: location,
		ServerPID:    serverPID,
		CreatedAt:    time.Now().UTC(),
		Workers:      workers,
	}
	require.NoError(t, env.store.Save(&rec))
}

func TestRecoverInheritsDeadOwnerSession(t *testing.T) {
	env := newTestEnv(t)

	owner := deadPID(t)

	// A live process the dead server left behind.
	stale := exec.Command("sleep", "60")
	require.NoError(t, stale.Start())
	stalePID := stale.Process.Pid
	go func() { _ = stale.Wait() }()

	persistRecord(t, env, "sess_crashed", env.workdir, &owner, &stalePID)

	require.NoError(t, env.mgr.Recover())

	sess, err := env.mgr.GetSession(id.SessionID("sess_crashed"))
	require.NoError(t, err)
	assert.Equal(t, ActivationHibernated, sess.ActivationState(), "inherited workers are not eagerly respawned")

	rec, err := env.store.FindByID("sess_crashed")
	require.NoError(t, err)
	require.NotNil(t, rec.ServerPID)
	assert.Equal(t, env.mgr.serverPID, *rec.ServerPID)
	for _, wr := range rec.Workers {
		assert.Nil(t, wr.PID)
	}

	require.Eventually(t, func() bool { return !pty.Alive(stalePID) },
		5*time.Second, 50*time.Millisecond, "stale worker process is terminated")
}

func TestRecoverLeavesPausedSessions(t *testing.T) {
	env := newTestEnv(t)

	persistRecord(t, env, "sess_paused", env.workdir, nil, nil)

	require.NoError(t, env.mgr.Recover())

	_, err := env.mgr.GetSession(id.SessionID("sess_paused"))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rec, err := env.store.FindByID("sess_paused")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Nil(t, rec.ServerPID)
}

func TestRecoverLeavesLiveSiblingSessions(t *testing.T) {
	env := newTestEnv(t)

	// Pretend this instance has a different pid, so the record's owner
	// (this very test process) looks like a live sibling.
	env.mgr.serverPID = 1
	sibling := os.Getpid()

	persistRecord(t, env, "sess_sibling", env.workdir, &sibling, nil)

	require.NoError(t, env.mgr.Recover())

	_, err := env.mgr.GetSession(id.SessionID("sess_sibling"))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rec, err := env.store.FindByID("sess_sibling")
	require.NoError(t, err)
	require.NotNil(t, rec.ServerPID)
	assert.Equal(t, sibling, *rec.ServerPID, "ownership untouched")
}

func TestRecoverDeletesOrphans(t *testing.T) {
	env := newTestEnv(t)

	owner := deadPID(t)
	persistRecord(t, env, "sess_orphan", filepath.Join(env.workdir, "gone"), &owner, nil)

	require.NoError(t, env.mgr.Recover())

	_, err := env.mgr.GetSession(id.SessionID("sess_orphan"))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rec, err := env.store.FindByID("sess_orphan")
	require.NoError(t, err)
	assert.Nil(t, rec, "orphan removed from the store")
}

func TestRecoverOwnershipExclusivity(t *testing.T) {
	env := newTestEnv(t)

	owner := deadPID(t)
	sibling := os.Getpid()
	env.mgr.serverPID = 1

	persistRecord(t, env, "sess_dead", env.workdir, &owner, nil)
	persistRecord(t, env, "sess_live", env.workdir, &sibling, nil)

	require.NoError(t, env.mgr.Recover())

	records, err := env.store.FindAll()
	require.NoError(t, err)
	for _, rec := range records {
		require.NotNil(t, rec.ServerPID)
		claimed := *rec.ServerPID == env.mgr.serverPID
		liveElsewhere := *rec.ServerPID != env.mgr.serverPID && pty.Alive(*rec.ServerPID)
		assert.True(t, claimed || liveElsewhere,
			"session %s has owner %d, neither claimed nor live", rec.ID, *rec.ServerPID)
	}
}

func TestRecoverKillsOrphanWorkerProcesses(t *testing.T) {
	env := newTestEnv(t)

	owner := deadPID(t)

	// A live process left behind by the dead server, recorded on a
	// session whose worktree no longer exists.
	stale := exec.Command("sleep", "60")
	require.NoError(t, stale.Start())
	stalePID := stale.Process.Pid
	go func() { _ = stale.Wait() }()

	persistRecord(t, env, "sess_orphan_live", filepath.Join(env.workdir, "gone"), &owner, &stalePID)

	require.NoError(t, env.mgr.Recover())

	rec, err := env.store.FindByID("sess_orphan_live")
	require.NoError(t, err)
	assert.Nil(t, rec, "orphan removed from the store")

	require.Eventually(t, func() bool { return !pty.Alive(stalePID) },
		5*time.Second, 50*time.Millisecond, "orphan's worker process is terminated")
}

func TestDeletedSessionNotRepersistedByLateWorkerCreate(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	require.NoError(t, env.mgr.DeleteSession(sess.ID))

	// A worker mutation that raced the delete arrives holding a stale
	// session pointer. It must fail, not write the record back.
	_, err := env.mgr.lc.CreateWorker(sess, WorkerParams{Kind: KindTerminal}, false, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rec, err := env.store.FindByID(string(sess.ID))
	require.NoError(t, err)
	assert.Nil(t, rec, "deleted session stays deleted on disk")

	terminal := env.spawner.lastHandle()
	assert.NotEmpty(t, terminal.signals(), "replacement process is killed")
	assert.Len(t, sess.Workers(), 2, "stale session object is not mutated")
}

func TestPauseKillsBeforePersist(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	agentHandle := env.spawner.all()[0].handle
	agentHandle.mu.Lock()
	agentHandle.beforeKill = func(os.Signal) {
		rec, err := env.store.FindByID(string(sess.ID))
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.NotNil(t, rec.ServerPID, "pause record is written only after the kill")
	}
	agentHandle.mu.Unlock()

	require.NoError(t, env.mgr.PauseSession(sess.ID))

	require.NotEmpty(t, agentHandle.signals())

	rec, err := env.store.FindByID(string(sess.ID))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Nil(t, rec.ServerPID)
}
