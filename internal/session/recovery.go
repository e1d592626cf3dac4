package session

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crewhq/crew/internal/jobs"
	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/pty"
	"github.com/crewhq/crew/internal/store"
)

// staleKillGrace is how long a stale process gets to exit on SIGTERM
// before SIGKILL.
const staleKillGrace = 3 * time.Second

// Recover scans the persisted records once at startup and decides, per
// session: leave paused records untouched, leave live-sibling-owned
// records untouched, inherit the rest (dead owner) after killing stale
// worker processes, and delete orphans whose location vanished. Must
// complete before any request is served, so two instances never both
// activate the same worktree.
func (m *Manager) Recover() error {
	records, err := m.store.FindAll()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	var inherited []store.SessionRecord
	var orphans []string
	claimed := make(map[string]bool)

	for i := range records {
		rec := &records[i]
		log := m.log.WithSession(rec.ID)

		// Explicitly paused: never auto-resume.
		if rec.Paused() {
			continue
		}

		// Owned by a live sibling server (or a pid-reuse false positive
		// that we cannot distinguish from one): leave untouched.
		if *rec.ServerPID != m.serverPID && pty.Alive(*rec.ServerPID) {
			log.Info("session owned by live server, skipping",
				zap.Int("owner_pid", *rec.ServerPID))
			continue
		}

		// Owning server is dead. A vanished location means the session
		// is an orphan: its stale processes still get killed, but the
		// record is queued for deletion rather than inheritance.
		if !m.pathExists(rec.LocationPath) {
			log.Warn("session location missing, marking orphan",
				zap.String("path", rec.LocationPath))
			m.killRecordedWorkers(rec, log)
			orphans = append(orphans, rec.ID)
			continue
		}

		// Kill stale worker processes left behind by the dead owner.
		m.killRecordedWorkers(rec, log)

		// Reconstruct lazily: workers come back deactivated and respawn
		// on demand via RestoreWorker. Diff watchers restart now since
		// they hold no process.
		sess := m.sessionFromRecord(rec)
		for _, w := range sess.Workers() {
			if w.Kind == KindGitDiff {
				m.lc.startDiffWatch(sess, w)
			}
		}

		m.mu.Lock()
		m.sessions[sess.ID] = sess
		m.mu.Unlock()

		pid := m.serverPID
		rec.ServerPID = &pid
		stripWorkerPIDs(rec)
		inherited = append(inherited, *rec)
		claimed[rec.ID] = true
		log.Info("session inherited", zap.Int("workers", len(rec.Workers)))
	}

	// One batch write claims ownership of everything inherited.
	if len(inherited) > 0 {
		if err := m.store.SaveAll(inherited); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
		}
	}

	// Orphans go after the batch write succeeds; artifact cleanup is
	// fire-and-forget.
	for _, orphanID := range orphans {
		if err := m.store.Delete(orphanID); err != nil {
			m.log.WithSession(orphanID).Error("failed to delete orphan", zap.Error(err))
			continue
		}
		m.jobs.Enqueue(jobs.TypeCleanupSessionArtifacts, orphanID)
	}

	m.reapSkipped(claimed)

	m.log.Info("recovery complete",
		zap.Int("inherited", len(inherited)),
		zap.Int("orphans", len(orphans)))
	return nil
}

// killRecordedWorkers terminates every worker pid a dead owner's record
// still carries.
func (m *Manager) killRecordedWorkers(rec *store.SessionRecord, log *logging.Logger) {
	for _, wr := range rec.Workers {
		if wr.PID == nil {
			continue
		}
		if err := pty.Terminate(*wr.PID, staleKillGrace); err != nil {
			log.Warn("failed to kill stale worker process",
				zap.Int("pid", *wr.PID), zap.Error(err))
		}
	}
}

// reapSkipped is the second recovery pass: it re-scans the store and
// kills any still-live worker pids of dead-owner sessions this instance
// did not inherit, so a rejected session cannot leak processes.
func (m *Manager) reapSkipped(claimed map[string]bool) {
	records, err := m.store.FindAll()
	if err != nil {
		m.log.Error("second-pass scan failed", zap.Error(err))
		return
	}

	for i := range records {
		rec := &records[i]
		if rec.Paused() || claimed[rec.ID] {
			continue
		}
		if *rec.ServerPID != m.serverPID && pty.Alive(*rec.ServerPID) {
			continue
		}
		for _, wr := range rec.Workers {
			if wr.PID == nil || !pty.Alive(*wr.PID) {
				continue
			}
			m.log.WithSession(rec.ID).Warn("reaping leaked worker process",
				zap.Int("pid", *wr.PID))
			if err := pty.Terminate(*wr.PID, staleKillGrace); err != nil {
				m.log.WithSession(rec.ID).Warn("failed to reap process",
					zap.Int("pid", *wr.PID), zap.Error(err))
			}
		}
	}
}
