// Package queuepool is the reference QueueManager + Dispatcher pair: the
// external worker pool and task-completion sequencing that
// internal/render deliberately treats as someone else's problem. It
// exists so the engine can be exercised end-to-end without every caller
// having to hand-roll a pool.
package queuepool

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/pixeltree/treerender/internal/render"
)

// Manager is a render.Dispatcher and render.QueueManager backed by one
// shared gammazero/workerpool.WorkerPool. A weighted semaphore bounds how
// many runnables may be in flight across every tree render sharing this
// Manager at once, independent of the pool's own worker count, so a burst
// of ready tasks from one large tree render cannot starve the others.
type Manager struct {
	pool *workerpool.WorkerPool
	sem  *semaphore.Weighted
	log  hclog.Logger

	mu       sync.Mutex
	released int64
	stopped  bool
}

// New builds a Manager with the given worker count and the maximum number
// of runnables allowed in flight at once. maxInFlight must be at least
// workers to let the pool run at full width.
func New(workers int, maxInFlight int64, log hclog.Logger) *Manager {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Manager{
		pool: workerpool.New(workers),
		sem:  semaphore.NewWeighted(maxInFlight),
		log:  log.Named("queuepool"),
	}
}

// Submit implements render.Dispatcher. It blocks the calling goroutine
// only long enough to acquire a slot in the in-flight budget; the actual
// task runs on the pool.
func (m *Manager) Submit(task func()) {
	if err := m.sem.Acquire(context.Background(), 1); err != nil {
		m.log.Warn("failed to acquire dispatch slot, running task on caller goroutine", "error", err)
		task()
		return
	}
	m.pool.Submit(func() {
		defer m.sem.Release(1)
		task()
	})
}

// NotifyTaskFinished implements render.QueueManager. It re-releases every
// task of exec that is ready once the task that just finished has been
// accounted for. Other executions of the same tree render are not
// touched.
func (m *Manager) NotifyTaskFinished(ctx context.Context, exec *render.Execution, inWorkerThread bool) {
	m.mu.Lock()
	m.released++
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return
	}

	if exec.HasTasksToExecute() {
		exec.ExecuteAvailableTasks(ctx, -1)
	}
}

// Released returns how many NotifyTaskFinished calls this Manager has
// observed, for tests and diagnostics.
func (m *Manager) Released() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// StopWait stops accepting new submissions and waits for every task
// already on the pool to finish. Call it once the tree renders sharing
// this Manager have all settled.
func (m *Manager) StopWait() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.pool.StopWait()
}
