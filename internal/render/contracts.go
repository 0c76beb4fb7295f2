package render

import "context"

// Effect is a node in the processing graph. The engine treats effects
// opaquely: it never inspects pixels, only orchestrates calls into them.
//
// Implementations are provided by the host application (image kernels,
// node graph, group/container semantics). The engine only ever calls
// these methods; it never implements them.
type Effect interface {
	// ID names the effect for logging. It need not be globally unique
	// across render clones of the same underlying node.
	ID() EffectID

	// IsGroupInputProxy reports whether this effect is a placeholder that
	// stands in for one of the inputs of an enclosing group, which must be
	// rewritten to the real input before planning.
	IsGroupInputProxy() bool

	// RealGroupInput resolves a group-input proxy to the real effect from
	// the enclosing group, if one is connected.
	RealGroupInput() (Effect, bool)

	// IsRenderClone reports whether this Effect value is itself a render
	// clone. The root effect of a tree render must not be a clone.
	IsRenderClone() bool

	// CreateRenderClone returns a clone of this effect bound to the given
	// key, creating one on first use. Repeated calls with an equal key on
	// the same effect return the same clone.
	CreateRenderClone(key CloneKey) (Effect, error)

	// DropRenderClone removes any clone bound to the given key. Called at
	// most once per key, during tree-render teardown.
	DropRenderClone(key CloneKey)

	// RegionOfDefinition returns this effect's region of definition for
	// the given time and view, used to resolve an unspecified RoI during
	// planning.
	RegionOfDefinition(ctx context.Context, t Time, v ViewIndex) (RoI, error)

	// ProducedPlane returns the plane this effect would produce by default
	// for the given time and view, used to resolve an unspecified plane
	// during planning.
	ProducedPlane(ctx context.Context, t Time, v ViewIndex) (Plane, error)

	// RequestRender is the planning-pass entry point. Implementations must
	// recursively: create render clones for upstream effects as needed,
	// allocate Frame-View Requests via exec.RequestFor, wire dependency
	// edges with exec.AddDependency, and call exec.AddTaskToRender for each
	// request as it is discovered, including this effect's own top-level
	// request last.
	RequestRender(ctx context.Context, exec *Execution, key Key) (*Request, error)

	// LaunchNodeRender performs the actual render for one request. This is
	// the only method the engine calls from a worker-pool goroutine rather
	// than from planning or completion-handling code.
	LaunchNodeRender(ctx context.Context, er ExecRenderContext, req *Request) Status
}

// ExecRenderContext is the narrow view of an Execution that effects need
// while rendering: enough to poll abort and fetch dependency results,
// without exposing scheduling internals.
type ExecRenderContext interface {
	// IsAborted reports whether the owning tree render has been aborted.
	// Effects are expected to poll this at natural checkpoints.
	IsAborted() bool
	// InputResult returns the produced image for a dependency of req
	// within this execution, if it has already rendered.
	InputResult(req, dependency *Request) (Image, bool)
}

// QueueManager is the external task-queue manager that sequences main vs.
// sub-executions for a tree render and decides, once a task finishes,
// whether and when to release more work. The engine only calls
// NotifyTaskFinished; it never assumes anything about how or when work
// actually runs on the pool.
type QueueManager interface {
	// NotifyTaskFinished is called once per completed task, with inWorkerThread
	// true when the notifying goroutine is itself one of the pool's workers,
	// so the manager can avoid re-entrant dispatch.
	NotifyTaskFinished(ctx context.Context, exec *Execution, inWorkerThread bool)
}

// Dispatcher is the narrow view of the external worker pool the engine
// needs to run a Runnable asynchronously. The engine never creates,
// resizes, or shuts down the pool itself; that lifecycle belongs entirely
// to whatever owns the Dispatcher (see internal/queuepool for the
// reference implementation).
type Dispatcher interface {
	Submit(task func())
}

// RenderingContext is an opaque GPU or CPU rendering context handle
// obtained from the external context pool. The engine never attaches it
// to a thread; effect runnables do that as needed.
type RenderingContext any

// ContextPool is the external OpenGL/CPU rendering-context pool.
type ContextPool interface {
	GetOrCreateOpenGLContext(ctx context.Context, reuseLast bool) (RenderingContext, error)
	GetOrCreateCPUContext(ctx context.Context, reuseLast bool) (RenderingContext, error)
}

// Settings is the external settings store the engine consults.
type Settings interface {
	IsNaNHandlingEnabled() bool
	IsTransformConcatenationEnabled() bool
}

// StrokeMemo holds the GPU/CPU contexts associated with an in-progress
// paint stroke, so successive strokes within the same paint gesture reuse
// contexts instead of acquiring fresh ones each time.
type StrokeMemo interface {
	Contexts() (gl, cpu RenderingContext, ok bool)
	SetContexts(gl, cpu RenderingContext)
}
