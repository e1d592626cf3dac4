package session

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crew/internal/shared/id"
)

func TestCreateTerminalWorker(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	w, err := env.mgr.CreateWorker(sess.ID, WorkerParams{Kind: KindTerminal}, false, "")
	require.NoError(t, err)

	assert.Equal(t, "Terminal", w.Name)
	assert.True(t, w.Running())
	require.Len(t, sess.Workers(), 3)

	spawn := env.spawner.all()[env.spawner.count()-1]
	assert.Equal(t, []string{"-l"}, spawn.args)
	assert.Equal(t, sess.LocationPath, spawn.opts.Cwd)
}

func TestCreateAgentWorkerUnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	_, err := env.mgr.CreateWorker(sess.ID, WorkerParams{Kind: KindAgent, AgentID: "nonexistent"}, false, "")
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRestoreWorkerReactivatesLazily(t *testing.T) {
	env := newTestEnv(t)

	owner := deadPID(t)
	persistRecord(t, env, "sess_lazy", env.workdir, &owner, nil)
	require.NoError(t, env.mgr.Recover())

	sess, err := env.mgr.GetSession(id.SessionID("sess_lazy"))
	require.NoError(t, err)
	agent := workerOfKind(t, sess, KindAgent)
	require.False(t, agent.Running())

	before := env.spawner.count()
	restored, err := env.mgr.RestoreWorker(sess.ID, agent.ID)
	require.NoError(t, err)

	assert.Same(t, agent, restored)
	assert.True(t, restored.Running())
	assert.Equal(t, before+1, env.spawner.count())

	// The respawn resumes the previous conversation.
	spawn := env.spawner.all()[env.spawner.count()-1]
	assert.Contains(t, spawn.args, "--continue")

	// Restoring an already-running worker is a no-op.
	again, err := env.mgr.RestoreWorker(sess.ID, agent.ID)
	require.NoError(t, err)
	assert.Same(t, restored, again)
	assert.Equal(t, before+1, env.spawner.count())
}

func TestRestartAgentWorkerKeepsID(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	agent := workerOfKind(t, sess, KindAgent)
	oldHandle := env.spawner.all()[0].handle

	restarted, err := env.mgr.RestartAgentWorker(sess.ID, agent.ID, true, "", "")
	require.NoError(t, err)

	assert.Equal(t, agent.ID, restarted.ID)
	assert.Equal(t, agent.Name, restarted.Name)
	assert.True(t, restarted.Running())
	assert.NotEmpty(t, oldHandle.signals(), "old process was killed")

	got, ok := sess.Worker(agent.ID)
	require.True(t, ok)
	assert.Same(t, restarted, got)
}

func TestRestartAgentWorkerSwitchesAgentAndBranch(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	agent := workerOfKind(t, sess, KindAgent)
	restarted, err := env.mgr.RestartAgentWorker(sess.ID, agent.ID, false, "aider", "feature/x")
	require.NoError(t, err)

	assert.Equal(t, "aider", restarted.AgentID)
	assert.Equal(t, "feature/x", sess.Branch())
}

func TestRestartBranchSwitchRacingListIsSafe(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)
	agent := workerOfKind(t, sess, KindAgent)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _ = env.mgr.RestartAgentWorker(sess.ID, agent.ID, true, "", "feature/x")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = env.mgr.ListSessions()
		}
	}()
	wg.Wait()

	assert.Equal(t, "feature/x", sess.Branch())
}

func TestDeleteWorker(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	agent := workerOfKind(t, sess, KindAgent)
	handle := env.spawner.all()[0].handle

	require.NoError(t, env.mgr.DeleteWorker(sess.ID, agent.ID))

	assert.NotEmpty(t, handle.signals())
	_, ok := sess.Worker(agent.ID)
	assert.False(t, ok)

	rec, err := env.store.FindByID(string(sess.ID))
	require.NoError(t, err)
	assert.Len(t, rec.Workers, 1)
}

func TestAttachFanOutAndDetach(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	agent := workerOfKind(t, sess, KindAgent)
	handle := env.spawner.all()[0].handle

	var mu sync.Mutex
	var tabA, tabB []byte

	connA, err := env.mgr.AttachWorkerCallbacks(sess.ID, agent.ID, AttachCallbacks{
		OnData: func(data []byte) { mu.Lock(); tabA = append(tabA, data...); mu.Unlock() },
	})
	require.NoError(t, err)
	_, err = env.mgr.AttachWorkerCallbacks(sess.ID, agent.ID, AttachCallbacks{
		OnData: func(data []byte) { mu.Lock(); tabB = append(tabB, data...); mu.Unlock() },
	})
	require.NoError(t, err)

	handle.emit([]byte("hello"))

	mu.Lock()
	assert.Equal(t, "hello", string(tabA))
	assert.Equal(t, "hello", string(tabB))
	mu.Unlock()

	// Detaching one tab stops its delivery only; the process keeps running.
	require.NoError(t, env.mgr.DetachWorkerCallbacks(sess.ID, agent.ID, connA))
	handle.emit([]byte(" world"))

	mu.Lock()
	assert.Equal(t, "hello", string(tabA))
	assert.Equal(t, "hello world", string(tabB))
	mu.Unlock()
	assert.True(t, agent.Running())
}

func TestOutputReplayBuffer(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	agent := workerOfKind(t, sess, KindAgent)
	handle := env.spawner.all()[0].handle

	handle.emit([]byte("$ ls\n"))
	handle.emit([]byte("main.go\n"))

	assert.Equal(t, "$ ls\nmain.go\n", string(agent.OutputSnapshot()))
}

func TestWorkerExitNotifiesSubscribers(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	agent := workerOfKind(t, sess, KindAgent)
	handle := env.spawner.all()[0].handle

	exitCodes := make(chan int, 1)
	_, err := env.mgr.AttachWorkerCallbacks(sess.ID, agent.ID, AttachCallbacks{
		OnExit: func(code int) { exitCodes <- code },
	})
	require.NoError(t, err)

	handle.exit(7)

	assert.Equal(t, 7, <-exitCodes)
	assert.False(t, agent.Running())
	assert.Equal(t, ActivationHibernated, sess.ActivationState())
}

func TestWriteWorkerInput(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createWorktreeSession(t)

	agent := workerOfKind(t, sess, KindAgent)
	handle := env.spawner.all()[0].handle

	require.NoError(t, env.mgr.WriteWorkerInput(sess.ID, agent.ID, []byte("fix the bug\r")))

	writes := handle.writeLog()
	require.Len(t, writes, 1)
	assert.Equal(t, "fix the bug\r", string(writes[0].data))
}

func TestWriteWorkerInputNotRunning(t *testing.T) {
	env := newTestEnv(t)

	owner := deadPID(t)
	persistRecord(t, env, "sess_idle", env.workdir, &owner, nil)
	require.NoError(t, env.mgr.Recover())

	sess, err := env.mgr.GetSession(id.SessionID("sess_idle"))
	require.NoError(t, err)
	agent := workerOfKind(t, sess, KindAgent)

	err = env.mgr.WriteWorkerInput(sess.ID, agent.ID, []byte("x"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no live process"))
}
