// Package jobs provides a small in-process job queue for fire-and-forget
// background work. Callers enqueue and move on; success is non-critical
// and observable only through the queue's own stats and logs.
package jobs

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/shared/id"
)

// Job types known to the server.
const (
	TypeCleanupSessionArtifacts = "cleanup-session-artifacts"
	TypeCleanupWorkerOutput     = "cleanup-worker-output"
)

// Handler processes one job payload.
type Handler func(payload any) error

// Job is one queued unit of work.
type Job struct {
	ID      id.JobID
	Type    string
	Payload any
}

// Stats reports queue counters.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Queue dispatches jobs to registered handlers on background workers.
type Queue struct {
	log      *logging.Logger
	jobs     chan Job
	handlers map[string]Handler
	mu       sync.RWMutex
	wg       sync.WaitGroup

	closed    atomic.Bool
	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a queue with the given number of worker goroutines.
func New(workers, depth int, log *logging.Logger) *Queue {
	if workers <= 0 {
		workers = 2
	}
	if depth <= 0 {
		depth = 256
	}

	q := &Queue{
		log:      log.WithComponent("jobs"),
		jobs:     make(chan Job, depth),
		handlers: make(map[string]Handler),
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Register installs the handler for a job type. Later registrations for
// the same type replace earlier ones.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Enqueue submits a job without waiting for it. A full queue drops the job
// rather than blocking the caller; dropped jobs are counted and logged.
func (q *Queue) Enqueue(jobType string, payload any) id.JobID {
	jobID := id.NewJobID()
	if q.closed.Load() {
		q.dropped.Add(1)
		return jobID
	}

	select {
	case q.jobs <- Job{ID: jobID, Type: jobType, Payload: payload}:
		q.enqueued.Add(1)
	default:
		q.dropped.Add(1)
		q.log.Warn("job queue full, dropping job", zap.String("type", jobType))
	}
	return jobID
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
	}
}

// Close stops accepting jobs and waits for in-flight work to finish.
func (q *Queue) Close() {
	if q.closed.Swap(true) {
		return
	}
	close(q.jobs)
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.mu.RLock()
		h, ok := q.handlers[job.Type]
		q.mu.RUnlock()

		if !ok {
			q.failed.Add(1)
			q.log.Warn("no handler for job type", zap.String("type", job.Type))
			continue
		}

		if err := h(job.Payload); err != nil {
			q.failed.Add(1)
			q.log.Warn("job failed", zap.String("type", job.Type), zap.Error(err))
			continue
		}
		q.completed.Add(1)
	}
}
