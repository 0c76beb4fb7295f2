package render

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Execution is one scheduling frontier: the full task set, the
// dependency-free ready set, aggregated status, the output request, and
// live worker handles for one planned render. A TreeRender owns one main
// Execution and zero or more sub-executions, all sharing the tree
// render's identity and render clones.
//
// dependencyFreeRendersMutex (mu below) guards allTasks, the ready queue,
// status, and liveRunnables. It is always acquired after any TreeRender
// lock the caller might be holding, and a goroutine never holds two
// Executions' locks at once.
type Execution struct {
	id     string
	isMain bool

	tree *TreeRender

	canonicalRoI RoI
	plane        Plane

	// proxyScale and mipMapLevel are fixed at planning time: a sub-execution
	// may render at a different resolution than the main execution (e.g. a
	// color-picker sample at full resolution while the viewer plays back at
	// a proxy scale).
	proxyScale  float64
	mipMapLevel int

	mu            sync.Mutex
	allTasks      map[*Request]struct{}
	ready         *readyQueue
	status        ExecStatus
	liveRunnables map[*Runnable]struct{}
	outputRequest *Request

	// byKey deduplicates requests discovered during planning so that two
	// effects requesting the same (effect-clone, time, view, plane, RoI)
	// share one Request. It is only consulted while planning is underway;
	// nothing removes entries from it, since a finished request is still
	// the canonical one to hand back if asked again.
	byKey map[Key]*Request

	log hclog.Logger
}

func newExecution(tree *TreeRender, isMain bool, plane Plane, roi RoI) *Execution {
	id := uuid.NewString()
	return &Execution{
		id:            id,
		isMain:        isMain,
		tree:          tree,
		canonicalRoI:  roi,
		plane:         plane,
		allTasks:      make(map[*Request]struct{}),
		ready:         newReadyQueue(),
		liveRunnables: make(map[*Runnable]struct{}),
		byKey:         make(map[Key]*Request),
		log:           tree.log.Named("execution").With("execution_id", id, "main", isMain),
	}
}

// ID returns the execution's identifier, used only for logging.
func (e *Execution) ID() string { return e.id }

// GetTreeRender returns the owning tree render.
func (e *Execution) GetTreeRender() *TreeRender { return e.tree }

// IsTreeMainExecution reports whether this is the tree render's one main
// execution, as opposed to a sub-execution.
func (e *Execution) IsTreeMainExecution() bool { return e.isMain }

// ProxyScale and MipMapLevel return the resolution this execution was
// planned at, fixed for its lifetime.
func (e *Execution) ProxyScale() float64 { return e.proxyScale }
func (e *Execution) MipMapLevel() int    { return e.mipMapLevel }

// GetStatus returns the execution's current aggregate status.
func (e *Execution) GetStatus() ExecStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// GetOutputRequest returns the request that represents this execution's
// root, if planning has recorded one yet.
func (e *Execution) GetOutputRequest() *Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outputRequest
}

// setOutputRequest records the root request for this execution. Called
// once, at the end of planning.
func (e *Execution) setOutputRequest(r *Request) {
	e.mu.Lock()
	e.outputRequest = r
	e.mu.Unlock()
}

// RequestFor returns the Request already registered for key within this
// execution, if any, along with whether it already existed. Effects'
// RequestRender implementations should use this to avoid allocating two
// Requests for the same key when two sibling branches share an upstream
// dependency.
func (e *Execution) RequestFor(key Key) (req *Request, existed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.byKey[key]; ok {
		return existing, true
	}
	req = NewRequest(key)
	e.byKey[key] = req
	return req, false
}

// AddDependency is a convenience wrapper over Request.AddDependency using
// this execution, for planning code that reads more naturally as
// exec.AddDependency(r, upstream) than r.AddDependency(exec, upstream).
func (e *Execution) AddDependency(r, dependency *Request) {
	r.AddDependency(e, dependency)
}

// AddTaskToRender inserts req into the execution's task set. If req
// currently has no outstanding dependencies within this execution and is
// still StatusNotRendered, it is also inserted into the ready set. Safe to call concurrently, including
// from multiple goroutines cooperating on one planning pass.
func (e *Execution) AddTaskToRender(req *Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allTasks[req] = struct{}{}
	if req.remainingDepCount(e) == 0 && req.GetStatus() == StatusNotRendered {
		e.ready.Push(req, len(req.GetListeners(e)))
	}
}

// HasTasksToExecute reports whether the execution still has any
// outstanding task, ready or not.
func (e *Execution) HasTasksToExecute() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.allTasks) > 0
}

// ExecuteAvailableTasks releases up to n ready tasks (or all of them, if n
// is -1) to the worker pool, returning the number of tasks that went down
// the dispatch path. When there is no Dispatcher or multithreading is
// disabled, those tasks run inline on the calling goroutine and are still
// counted.
//
// A ready request whose status is no longer NotRendered, or whose
// execution has already failed, has no pixels left to produce: its
// runnable is run inline, holding no lock, rather than handed to the pool,
// and does not count toward the returned total.
func (e *Execution) ExecuteAvailableTasks(ctx context.Context, n int) int {
	var toDispatch, toInline []*Request

	e.mu.Lock()
	limit := n
	if limit < 0 || limit > e.ready.Len() {
		limit = e.ready.Len()
	}
	for i := 0; i < limit; i++ {
		req := e.ready.Pop()
		if req == nil {
			break
		}
		if req.GetStatus() != StatusNotRendered || e.status != ExecOK {
			toInline = append(toInline, req)
			continue
		}
		toDispatch = append(toDispatch, req)
	}
	e.mu.Unlock()

	for _, req := range toInline {
		e.log.Trace("running already-settled request inline", "request", req.Key())
		runTask(ctx, e, req, false)
	}

	dispatcher := e.tree.args.Pool
	for _, req := range toDispatch {
		rn := newRunnable(e, req)
		e.trackRunnable(rn)
		e.log.Trace("dispatching request to worker pool", "request", req.Key())
		if dispatcher == nil || e.tree.config.DisableMultiThreading {
			rn.runInThread(ctx, false)
			continue
		}
		dispatcher.Submit(func() {
			rn.Run(ctx)
		})
	}
	return len(toDispatch)
}

// liveRunnableCount returns how many runnables this execution has
// dispatched but not yet seen report back, used by teardown to detect a
// Dispatcher that silently dropped a submission.
func (e *Execution) liveRunnableCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.liveRunnables)
}

func (e *Execution) trackRunnable(rn *Runnable) {
	e.mu.Lock()
	e.liveRunnables[rn] = struct{}{}
	e.mu.Unlock()
}

// runTask executes a request's runnable inline on the calling goroutine,
// used both for the fast path in ExecuteAvailableTasks and for
// disable-multithreading mode.
func runTask(ctx context.Context, e *Execution, req *Request, inWorkerThread bool) {
	rn := newRunnable(e, req)
	e.trackRunnable(rn)
	rn.runInThread(ctx, inWorkerThread)
}

// taskFinished is invoked by a Runnable once its render attempt (or
// fast-path skip) has concluded: release cached inputs, apply sticky
// first-failure semantics, remove the request from the task set, promote
// any now-dependency-free listeners, then report outward to the tree
// render and queue manager outside the lock.
func (e *Execution) taskFinished(ctx context.Context, rn *Runnable, req *Request, status Status, inWorkerThread bool) {
	req.SetStatus(status)
	req.ClearRenderedDependencies(e)

	var newlyReady []*Request
	e.mu.Lock()
	if failStatus, isFailure := execStatusForTaskStatus(status); isFailure && e.status == ExecOK {
		e.status = failStatus
		e.log.Debug("execution status became sticky failure", "status", failStatus, "request", req.Key())
	}
	delete(e.allTasks, req)
	// Listeners are promoted into the ready set whether or not this
	// execution has already failed: a failed execution still needs its
	// remaining, now-unblocked requests to settle to StatusFailed or
	// StatusAborted, matching the execution's sticky status (via
	// ExecuteAvailableTasks' inline fast path) so that their own listeners
	// in turn unblock, rather than leaving them stuck at NotRendered.
	for _, listener := range req.GetListeners(e) {
		remaining := listener.markDependencyAsRendered(e, req)
		if remaining == 0 && listener.GetStatus() == StatusNotRendered && !e.ready.Contains(listener) {
			e.ready.Push(listener, len(listener.GetListeners(e)))
			newlyReady = append(newlyReady, listener)
		}
	}
	delete(e.liveRunnables, rn)
	drained := len(e.allTasks) == 0 && len(e.liveRunnables) == 0
	e.mu.Unlock()

	if len(newlyReady) > 0 {
		e.log.Trace("promoted listeners to ready", "count", len(newlyReady))
	}

	e.tree.setResults(req, status)
	if e.tree.args.QueueManager != nil {
		e.tree.args.QueueManager.NotifyTaskFinished(ctx, e, inWorkerThread)
	}
	if drained {
		e.tree.executionDrained(e)
	}
}

// InputResult implements ExecRenderContext.
func (e *Execution) InputResult(req, dependency *Request) (Image, bool) {
	return req.InputResult(e, dependency)
}

// IsAborted implements ExecRenderContext.
func (e *Execution) IsAborted() bool {
	return e.tree.IsRenderAborted()
}
