package render

import (
	"context"
	"weak"
)

// Runnable is the thin, queue-agnostic wrapper an Execution hands to the
// external worker pool: find the effect, call into it, report back. It
// holds only a weak reference to its Execution: the worker pool, not the
// engine, owns a Runnable's lifetime, and a pool that silently drops a
// submitted task (shutdown, queue overflow) must not keep the whole
// Execution alive through a dangling strong pointer. Execution compensates
// by holding its own strong references in liveRunnables for exactly as
// long as a Runnable is outstanding.
type Runnable struct {
	exec weak.Pointer[Execution]
	req  *Request
}

func newRunnable(exec *Execution, req *Request) *Runnable {
	return &Runnable{exec: weak.Make(exec), req: req}
}

// Run is the entry point the worker pool invokes. It reports
// inWorkerThread=true to the completion hook.
func (rn *Runnable) Run(ctx context.Context) {
	rn.runInThread(ctx, true)
}

func (rn *Runnable) runInThread(ctx context.Context, inWorkerThread bool) {
	exec := rn.exec.Value()
	if exec == nil {
		// The execution has already been torn down and no longer cares
		// about this task's outcome; nothing left to report to.
		return
	}

	req := rn.req
	status := rn.render(ctx, exec, req)
	exec.taskFinished(ctx, rn, req, status, inWorkerThread)
}

func (rn *Runnable) render(ctx context.Context, exec *Execution, req *Request) Status {
	if exec.IsAborted() {
		return StatusAborted
	}
	switch exec.GetStatus() {
	case ExecFailed:
		// A sibling task already failed this execution; no point doing
		// the work, but the request still needs a terminal status so its
		// listeners unblock, and the reason should read as a failure
		// rather than an abort.
		return StatusFailed
	case ExecAborted:
		return StatusAborted
	}

	effect := req.Key().Effect
	status := effect.LaunchNodeRender(ctx, exec, req)
	if status == StatusRendered {
		return StatusRendered
	}
	if exec.IsAborted() {
		return StatusAborted
	}
	return status
}
