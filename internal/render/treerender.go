package render

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/pixeltree/treerender/internal/collections"
)

// State is the terminal outcome of a tree render, visible to the caller
// that created it once Wait returns.
type State int

const (
	// StateOK means the main execution's output request rendered
	// successfully, or the tree render is still in progress.
	StateOK State = iota
	// StateFailed means the main execution reported a sticky failure
	// (an effect error, not an abort).
	StateFailed
	// StateAborted means the tree render was aborted before its output
	// request finished.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "OK"
	case StateFailed:
		return "Failed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Config holds the ambient knobs that shape a tree render's behavior but
// never its identity or result.
type Config struct {
	// TeardownTimeout bounds how long AwaitTeardown will wait for in-flight
	// runnables to settle before giving up and reporting leaked work,
	// rather than blocking forever on a worker pool that silently dropped
	// a submission. Wait does not consult it.
	TeardownTimeout time.Duration
	// DisableMultiThreading forces every task to run inline on the
	// goroutine that released it, bypassing the Dispatcher entirely.
	// Intended for deterministic tests and single-threaded hosts.
	DisableMultiThreading bool
	// ReadyQueueCapacityHint is accepted as a preallocation hint, but the
	// ready queue does not read it: it always grows on demand.
	ReadyQueueCapacityHint int
}

// DefaultConfig returns the engine's default ambient configuration.
func DefaultConfig() Config {
	return Config{TeardownTimeout: 5 * time.Second}
}

// CtorArgs is everything a caller supplies to create one tree render. It
// corresponds to the arguments a host application gathers before issuing
// a single "render this frame" request.
type CtorArgs struct {
	Time Time
	View ViewIndex

	RootEffect Effect
	// ExtraEffects are extra nodes to render alongside RootEffect, at the
	// same time and view. Each is filled in opportunistically if it turns
	// out to already be part of the main execution's own plan; otherwise
	// it stays pending until GetExtraRequestedResultsExecutionData plans
	// it its own sub-execution, which the caller is responsible for
	// invoking once the main execution has drained.
	ExtraEffects []Effect

	// RoI is the region of interest to render. If nil, it is resolved
	// from RootEffect.RegionOfDefinition.
	RoI *RoI
	// Plane is the plane to render. If empty, it is resolved from
	// RootEffect.ProducedPlane.
	Plane Plane

	ProxyScale  float64
	MipMapLevel int

	Draft                        bool
	Playback                     bool
	BypassCache                  bool
	PreventConcurrentTreeRenders bool

	ActiveDrawableItem Effect
	StrokeMemo         StrokeMemo

	QueueManager QueueManager
	Pool         Dispatcher
	ContextPool  ContextPool
	Settings     Settings

	StatsSink StatsSink

	Logger hclog.Logger
	Config Config
}

// StatsSink receives timing and outcome observations from a tree render.
// A nil StatsSink is valid; every call is optional.
type StatsSink interface {
	RenderFinished(state State, elapsed time.Duration)
}

// requestResult is a sticky (status, image) pair recorded once an extra
// node's request finishes: the first settled result is kept. The main
// output request is tracked through the tree render's state instead.
type requestResult struct {
	status Status
	image  Image
}

// extraNode is one pending entry from CtorArgs.ExtraEffects: the effect,
// the (time, view) it was requested at, and the key it will settle under,
// whether that happens opportunistically through the main execution's own
// plan or through a sub-execution planned by
// GetExtraRequestedResultsExecutionData.
type extraNode struct {
	effect Effect
	time   Time
	view   ViewIndex
	key    Key
}

// TreeRender is the outer handle for one user-facing render request: a
// root effect, a time/view/region, and everything needed to plan, run,
// and report on the executions that render it. One TreeRender owns
// exactly one main Execution and any number of sub-executions created
// during planning (e.g. to resolve an effect's own auxiliary inputs).
//
// Lock ordering: stateMutex is always acquired before any Execution's
// lock; extraRequestedResultsMutex and renderClones' own lock are leaves,
// never held while acquiring stateMutex or an Execution lock.
type TreeRender struct {
	id   string
	args CtorArgs

	config    Config
	log       hclog.Logger
	cloneKey  CloneKey
	clones    *cloneRegistry
	startedAt time.Time

	stateMutex sync.Mutex
	state      State
	firstErr   error

	aborted atomic.Bool

	main *Execution

	subMutex sync.Mutex
	subs     []*Execution

	outputRequest *Request

	extraRequestedResultsMutex sync.Mutex
	extraRequestedResults      map[Key]*requestResult
	// extraNodes is fixed during Create and never appended to afterward, so
	// it is safe to range over without a lock.
	extraNodes []extraNode

	done     chan struct{}
	doneOnce sync.Once

	glContext, cpuContext RenderingContext
}

// Create allocates and plans a new tree render. It is the tree render
// equivalent of Natron's two-phase construction: allocate the shell,
// resolve ambiguous inputs, then run the root effect's planning pass
// before returning, so that by the time Create returns successfully the
// caller holds a handle whose main execution already has its full task
// graph.
func Create(ctx context.Context, args CtorArgs) (*TreeRender, error) {
	if args.RootEffect == nil {
		return nil, fmt.Errorf("render: CtorArgs.RootEffect is required")
	}
	if args.Logger == nil {
		args.Logger = hclog.NewNullLogger()
	}
	if args.Config == (Config{}) {
		args.Config = DefaultConfig()
	}
	if args.ProxyScale == 0 {
		args.ProxyScale = 1
	}

	root, err := resolveGroupInputProxy(args.RootEffect)
	if err != nil {
		return nil, err
	}
	args.RootEffect = root

	id := uuid.NewString()
	tr := &TreeRender{
		id:                    id,
		args:                  args,
		config:                args.Config,
		log:                   args.Logger.Named("tree_render").With("tree_render_id", id),
		extraRequestedResults: make(map[Key]*requestResult),
		done:                  make(chan struct{}),
		startedAt:             time.Now(),
	}
	tr.cloneKey = newCloneKey(tr, args.Time, args.View)
	tr.clones = newCloneRegistry()

	roi, plane, err := tr.resolveRoIAndPlane(ctx, args.RootEffect, args.Time, args.View, args.RoI, args.Plane)
	if err != nil {
		return nil, err
	}

	tr.main = newExecution(tr, true, plane, roi)
	tr.main.proxyScale = args.ProxyScale
	tr.main.mipMapLevel = args.MipMapLevel

	key := Key{Effect: root, Time: args.Time, View: args.View, Plane: plane, RoI: roi}
	out, err := root.RequestRender(ctx, tr.main, key)
	if err != nil {
		tr.log.Error("planning failed", "error", err)
		return nil, err
	}
	tr.main.setOutputRequest(out)
	tr.outputRequest = out

	// De-duplicate ExtraEffects by identity: a caller asking for the same
	// node twice (once directly, once as someone's input) should not
	// register it, or report on it, more than once. Registration here is
	// just bookkeeping: it does not plan anything into the main execution,
	// since an extra node may turn out to already be part of root's own
	// plan (see requestExtraResult).
	seen := collections.NewSet[Effect]()
	for _, extra := range args.ExtraEffects {
		if !seen.Add(extra) {
			continue
		}
		if err := tr.requestExtraResult(ctx, extra, args.Time, args.View); err != nil {
			tr.log.Warn("extra node registration failed, skipping", "effect", extra.ID(), "error", err)
		}
	}

	return tr, nil
}

// resolveGroupInputProxy rewrites a group-input proxy to the real
// upstream effect it stands in for, following the chain until it bottoms
// out. The root of a tree render must never be a proxy, per the Effect
// contract.
func resolveGroupInputProxy(e Effect) (Effect, error) {
	seen := 0
	for e.IsGroupInputProxy() {
		seen++
		if seen > 64 {
			return nil, fmt.Errorf("render: group-input proxy chain too deep for effect %q", e.ID())
		}
		real, ok := e.RealGroupInput()
		if !ok {
			return nil, fmt.Errorf("render: group-input proxy %q has no connected input", e.ID())
		}
		e = real
	}
	return e, nil
}

// resolveRoIAndPlane resolves an unspecified RoI or plane by querying
// effect directly, used both for the main execution's root and for a
// sub-execution's root override.
func (tr *TreeRender) resolveRoIAndPlane(ctx context.Context, effect Effect, t Time, v ViewIndex, roi *RoI, plane Plane) (RoI, Plane, error) {
	resolvedRoI := RoI{}
	if roi != nil {
		resolvedRoI = *roi
	} else {
		resolved, err := effect.RegionOfDefinition(ctx, t, v)
		if err != nil {
			return RoI{}, "", fmt.Errorf("render: resolving region of definition: %w", err)
		}
		resolvedRoI = resolved
	}

	resolvedPlane := plane
	if resolvedPlane == "" {
		resolved, err := effect.ProducedPlane(ctx, t, v)
		if err != nil {
			return RoI{}, "", fmt.Errorf("render: resolving produced plane: %w", err)
		}
		resolvedPlane = resolved
	}
	return resolvedRoI, resolvedPlane, nil
}

// requestExtraResult registers one extra-result request without planning
// it: if effect turns out to already be part of the main execution's own
// plan (discovered once that planning pass has run), the ordinary
// completion funnel (setResults) fills this slot in as soon as the shared
// request settles. Otherwise the entry stays pending until
// GetExtraRequestedResultsExecutionData gives it its own sub-execution.
func (tr *TreeRender) requestExtraResult(ctx context.Context, effect Effect, t Time, v ViewIndex) error {
	plane, err := effect.ProducedPlane(ctx, t, v)
	if err != nil {
		return err
	}
	roi, err := effect.RegionOfDefinition(ctx, t, v)
	if err != nil {
		return err
	}
	key := Key{Effect: effect, Time: t, View: v, Plane: plane, RoI: roi}

	tr.extraRequestedResultsMutex.Lock()
	tr.extraRequestedResults[key] = &requestResult{status: StatusNotRendered}
	tr.extraRequestedResultsMutex.Unlock()

	tr.extraNodes = append(tr.extraNodes, extraNode{effect: effect, time: t, view: v, key: key})
	return nil
}

// GetExtraRequestedResultsExecutionData returns one sub-execution per
// extra-requested node whose result was not already populated
// opportunistically while the main execution ran. Call it only once the
// main execution has drained: a node discovered to already be part of the
// main execution's own plan settles through the ordinary completion
// funnel and needs no sub-execution at all, so the set of nodes this
// returns can only be known for certain after that plan is complete.
// Returned sub-executions are planned but not launched; the caller drives
// them the same way Launch drives the main execution, via
// ExecuteAvailableTasks.
func (tr *TreeRender) GetExtraRequestedResultsExecutionData(ctx context.Context) ([]*Execution, error) {
	var execs []*Execution
	for _, node := range tr.extraNodes {
		tr.extraRequestedResultsMutex.Lock()
		res, ok := tr.extraRequestedResults[node.key]
		settled := ok && res.status != StatusNotRendered
		tr.extraRequestedResultsMutex.Unlock()
		if settled {
			continue
		}

		roi := node.key.RoI
		sub, err := tr.CreateSubExecutionData(ctx, node.effect, node.time, node.view, tr.args.ProxyScale, tr.args.MipMapLevel, node.key.Plane, &roi)
		if err != nil {
			return execs, fmt.Errorf("render: planning sub-execution for extra node %q: %w", node.effect.ID(), err)
		}
		execs = append(execs, sub)
	}
	return execs, nil
}

// CreateSubExecutionData plans a new sub-execution sharing this tree
// render's identity and render clones: a render clone created while
// planning the main execution is visible here, and vice versa. Effects
// and hosts use this to render an auxiliary request independent of the
// main execution's dependency graph — a color-picker sample at the
// current frame, a mask, or a motion-blur sample at another time — by
// supplying its own root effect, time, view, and resolution, the same
// way Create plans the main execution's root.
//
// Whether a sub-execution's clones are cleaned up separately from the
// main execution's was left unclear upstream; this engine preserves the
// simpler, observed behavior: only the tree render's own teardown ever
// calls cloneRegistry.cleanup, so sub-executions freely share clones with
// the main execution and with each other.
func (tr *TreeRender) CreateSubExecutionData(ctx context.Context, rootOverride Effect, t Time, v ViewIndex, proxyScale float64, mipMapLevel int, plane Plane, roi *RoI) (*Execution, error) {
	root, err := resolveGroupInputProxy(rootOverride)
	if err != nil {
		return nil, err
	}

	resolvedRoI, resolvedPlane, err := tr.resolveRoIAndPlane(ctx, root, t, v, roi, plane)
	if err != nil {
		return nil, err
	}

	sub := newExecution(tr, false, resolvedPlane, resolvedRoI)
	sub.proxyScale = proxyScale
	sub.mipMapLevel = mipMapLevel

	key := Key{Effect: root, Time: t, View: v, Plane: resolvedPlane, RoI: resolvedRoI}
	out, err := root.RequestRender(ctx, sub, key)
	if err != nil {
		return nil, err
	}
	sub.setOutputRequest(out)

	tr.subMutex.Lock()
	tr.subs = append(tr.subs, sub)
	tr.subMutex.Unlock()
	return sub, nil
}

// CreateRenderClone returns the tree render's clone of original for
// (t, v), creating it on first use via the effect's own CreateRenderClone.
func (tr *TreeRender) CreateRenderClone(original Effect, t Time, v ViewIndex) (Effect, error) {
	return tr.clones.getOrCreate(original, newCloneKey(tr, t, v))
}

// CloneKey returns the key this tree render's clones are registered
// under.
func (tr *TreeRender) CloneKey() CloneKey { return tr.cloneKey }

// Launch releases the first wave of ready tasks across the main execution
// and any sub-executions planning has produced so far. The queue manager
// is expected to call it once after Create returns, and again from
// NotifyTaskFinished for as long as HasTasksToExecute is true on any
// execution it cares about; the engine does not drive its own loop.
func (tr *TreeRender) Launch(ctx context.Context) {
	tr.main.ExecuteAvailableTasks(ctx, -1)
	tr.subMutex.Lock()
	subs := append([]*Execution(nil), tr.subs...)
	tr.subMutex.Unlock()
	for _, sub := range subs {
		sub.ExecuteAvailableTasks(ctx, -1)
	}
}

// setResults is the sticky funnel every execution's taskFinished calls
// once a request settles: the root output request updates the tree
// render's own terminal state, while any other request is checked
// against the extra-results table for an opportunistic fill.
func (tr *TreeRender) setResults(req *Request, status Status) {
	if tr.outputRequest != nil && req == tr.outputRequest {
		tr.stateMutex.Lock()
		if tr.state == StateOK {
			switch status {
			case StatusFailed:
				tr.state = StateFailed
			case StatusAborted:
				tr.state = StateAborted
			}
		}
		if tr.firstErr == nil && status == StatusFailed {
			tr.firstErr = fmt.Errorf("render: output request %s failed", req.Key())
		}
		tr.stateMutex.Unlock()
		tr.markDoneIfSettled(status)
		return
	}

	tr.extraRequestedResultsMutex.Lock()
	if res, ok := tr.extraRequestedResults[req.Key()]; ok && res.status == StatusNotRendered {
		res.status = status
		if img, hasImage := req.ProducedImage(); hasImage {
			res.image = img
		}
	}
	tr.extraRequestedResultsMutex.Unlock()
}

func (tr *TreeRender) markDoneIfSettled(status Status) {
	if status == StatusNotRendered {
		return
	}
	tr.doneOnce.Do(func() {
		if tr.args.StatsSink != nil {
			tr.args.StatsSink.RenderFinished(tr.State(), time.Since(tr.startedAt))
		}
		close(tr.done)
	})
}

// executionDrained is called by an Execution once it has no outstanding
// tasks or live runnables left. Only the main execution's drain is acted
// on: once it has drained with its output request settled, the tree
// render is marked done. A sub-execution draining has no effect on Wait.
func (tr *TreeRender) executionDrained(exec *Execution) {
	if exec.IsTreeMainExecution() && tr.outputRequest != nil {
		if status := tr.outputRequest.GetStatus(); status != StatusNotRendered {
			tr.markDoneIfSettled(status)
		}
	}
}

// Wait blocks until the tree render's output request has settled or the
// context is canceled, whichever comes first.
func (tr *TreeRender) Wait(ctx context.Context) error {
	select {
	case <-tr.done:
		return tr.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the tree render's current terminal state. Before the
// output request settles this is StateOK, matching the convention that a
// render is presumed to succeed until something says otherwise.
func (tr *TreeRender) State() State {
	tr.stateMutex.Lock()
	defer tr.stateMutex.Unlock()
	return tr.state
}

// Err returns the sticky first error recorded for this tree render's
// output request, if any.
func (tr *TreeRender) Err() error {
	tr.stateMutex.Lock()
	defer tr.stateMutex.Unlock()
	return tr.firstErr
}

// ExtraResult returns the opportunistic render result for one of this
// tree render's extra nodes, if it has settled yet.
func (tr *TreeRender) ExtraResult(key Key) (Image, Status, bool) {
	tr.extraRequestedResultsMutex.Lock()
	defer tr.extraRequestedResultsMutex.Unlock()
	res, ok := tr.extraRequestedResults[key]
	if !ok || res.status == StatusNotRendered {
		return nil, StatusNotRendered, false
	}
	return res.image, res.status, true
}

// SetRenderAborted marks the tree render as aborted. The flag is
// write-monotonic: once set, it is never cleared, and setting it more
// than once is a no-op. Every in-flight and future runnable for this
// tree render will observe IsRenderAborted and settle as StatusAborted
// rather than continuing to do work no one wants anymore.
func (tr *TreeRender) SetRenderAborted() {
	if tr.aborted.CompareAndSwap(false, true) {
		tr.log.Debug("render aborted")
		tr.stateMutex.Lock()
		if tr.state == StateOK {
			tr.state = StateAborted
		}
		tr.stateMutex.Unlock()
	}
}

// IsRenderAborted reports whether this tree render has been aborted.
func (tr *TreeRender) IsRenderAborted() bool {
	return tr.aborted.Load()
}

// TeardownAndRelease cleans up every render clone this tree render
// created. Cached rendering contexts are left as they are. It is the caller's
// responsibility to call this exactly once the tree render is no longer
// needed, after Wait returns (or the teardown timeout elapses).
func (tr *TreeRender) TeardownAndRelease() {
	tr.clones.cleanup()
}

// AwaitTeardown waits up to config.TeardownTimeout for every runnable this
// tree render dispatched to actually finish, then tears down render
// clones. A runnable still outstanding once the timeout elapses usually
// means the Dispatcher silently dropped it (pool shutdown, queue
// overflow): that is reported back as an aggregated error per stuck
// execution rather than leaving TeardownAndRelease to run concurrently
// with a runnable that still holds a reference into this tree render.
func (tr *TreeRender) AwaitTeardown() error {
	deadline := time.Now().Add(tr.config.TeardownTimeout)
	if tr.config.TeardownTimeout <= 0 {
		deadline = time.Now()
	}

	var result *multierror.Error
	for _, exec := range tr.allExecutions() {
		for {
			n := exec.liveRunnableCount()
			if n == 0 {
				break
			}
			if time.Now().After(deadline) {
				result = multierror.Append(result, fmt.Errorf("render: execution %s has %d runnable(s) still outstanding after teardown timeout", exec.ID(), n))
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	tr.TeardownAndRelease()
	return result.ErrorOrNil()
}

func (tr *TreeRender) allExecutions() []*Execution {
	tr.subMutex.Lock()
	defer tr.subMutex.Unlock()
	execs := make([]*Execution, 0, len(tr.subs)+1)
	execs = append(execs, tr.main)
	execs = append(execs, tr.subs...)
	return execs
}

// AcquireContexts returns the GPU and CPU rendering contexts this tree
// render should use, reusing a paint-stroke memo's contexts when one is
// configured and populated, and otherwise lazily fetching fresh ones from
// the context pool. Failure to obtain a context is not fatal: callers
// treat a nil RenderingContext as "render in whatever mode doesn't need
// one."
func (tr *TreeRender) AcquireContexts(ctx context.Context) (gl, cpu RenderingContext) {
	tr.stateMutex.Lock()
	if tr.glContext != nil || tr.cpuContext != nil {
		gl, cpu = tr.glContext, tr.cpuContext
		tr.stateMutex.Unlock()
		return gl, cpu
	}
	tr.stateMutex.Unlock()

	if tr.args.StrokeMemo != nil {
		if gl, cpu, ok := tr.args.StrokeMemo.Contexts(); ok {
			tr.cacheContexts(gl, cpu)
			return gl, cpu
		}
	}
	if tr.args.ContextPool == nil {
		return nil, nil
	}
	// reuseLast is for paint mode: a brush stroke re-renders the same
	// context many times a second, so the pool should hand back the same
	// GPU/CPU context instead of churning through fresh ones. It has
	// nothing to do with scrub/playback, which always wants whatever
	// context is free.
	reuseLast := tr.args.ActiveDrawableItem != nil || tr.args.StrokeMemo != nil

	var err error
	gl, err = tr.args.ContextPool.GetOrCreateOpenGLContext(ctx, reuseLast)
	if err != nil {
		tr.log.Debug("no OpenGL context available, continuing without one", "error", err)
	}
	cpu, err = tr.args.ContextPool.GetOrCreateCPUContext(ctx, reuseLast)
	if err != nil {
		tr.log.Debug("no CPU context available, continuing without one", "error", err)
	}
	if tr.args.StrokeMemo != nil {
		tr.args.StrokeMemo.SetContexts(gl, cpu)
	}
	tr.cacheContexts(gl, cpu)
	return gl, cpu
}

func (tr *TreeRender) cacheContexts(gl, cpu RenderingContext) {
	tr.stateMutex.Lock()
	tr.glContext, tr.cpuContext = gl, cpu
	tr.stateMutex.Unlock()
}

// ID returns the tree render's identifier, used only for logging.
func (tr *TreeRender) ID() string { return tr.id }

// OutputRequest returns the request representing this tree render's root
// output, set once during Create.
func (tr *TreeRender) OutputRequest() *Request { return tr.outputRequest }

// MainExecution returns this tree render's main execution.
func (tr *TreeRender) MainExecution() *Execution { return tr.main }

// Draft, Playback, and BypassCache expose the construction-time flags a
// host or effect may need to branch on: Draft for a lower-fidelity render
// pass, Playback for scrub/play state (distinct from paint-mode context
// reuse, see AcquireContexts), and BypassCache for forcing recomputation
// past whatever cache an effect would otherwise consult.
func (tr *TreeRender) Draft() bool       { return tr.args.Draft }
func (tr *TreeRender) Playback() bool    { return tr.args.Playback }
func (tr *TreeRender) BypassCache() bool { return tr.args.BypassCache }
