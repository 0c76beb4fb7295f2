package render

import "sync"

// Request is a Frame-View Request (FVR): the scheduling unit of the engine,
// standing for rendering one (effect-clone, time, view, plane, region) to
// an image.
//
// A Request can appear in more than one Execution at once (e.g. shared
// between a tree render's main execution and one of its sub-executions),
// each with an independent dependency set, so all dependency bookkeeping
// is keyed per-execution. Request.mu guards that bookkeeping as well as
// status and the produced/cached images; it is a separate lock from any
// Execution's, and is always the innermost lock acquired (never held
// while acquiring a TreeRender or Execution lock).
type Request struct {
	key Key

	mu       sync.Mutex
	status   Status
	produced Image
	perExec  map[*Execution]*depState
}

// depState is one Request's dependency bookkeeping within a single
// Execution: which requests it depends on, which depend on it, how many
// of its dependencies remain outstanding, and the upstream images it is
// currently holding onto.
type depState struct {
	deps         []*Request
	listeners    []*Request
	remaining    int
	cachedInputs map[*Request]Image
}

// NewRequest allocates a fresh, not-yet-rendered Frame-View Request for
// the given key. Callers (normally an Effect's RequestRender
// implementation, via Execution.RequestFor) are responsible for not
// allocating a second Request for a key that already has one within the
// same execution.
func NewRequest(key Key) *Request {
	return &Request{
		key:     key,
		status:  StatusNotRendered,
		perExec: make(map[*Execution]*depState),
	}
}

// Key returns the identity of this request.
func (r *Request) Key() Key { return r.key }

// GetStatus returns the request's current status.
func (r *Request) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus sets the request's status. Called once, when the request's
// runnable finishes.
func (r *Request) SetStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// ProducedImage returns the image this request produced, if it has
// rendered successfully. Listeners may call this until they themselves
// complete, at which point clearRenderedDependencies on their own
// dependencies (including this one) will have released it from their view.
func (r *Request) ProducedImage() (Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRendered {
		return nil, false
	}
	return r.produced, true
}

// SetProducedImage records the image an effect produced for this request.
func (r *Request) SetProducedImage(img Image) {
	r.mu.Lock()
	r.produced = img
	r.mu.Unlock()
}

func (r *Request) stateFor(exec *Execution) *depState {
	st, ok := r.perExec[exec]
	if !ok {
		st = &depState{cachedInputs: make(map[*Request]Image)}
		r.perExec[exec] = st
	}
	return st
}

// AddDependency records that r depends on other within exec, adding the
// matching listener edge on other. Must be called before exec considers r
// for dependency-freedom (i.e. during planning, before AddTaskToRender).
func (r *Request) AddDependency(exec *Execution, other *Request) {
	if other == r {
		panic("render: a request cannot depend on itself")
	}
	r.mu.Lock()
	st := r.stateFor(exec)
	st.deps = append(st.deps, other)
	st.remaining++
	r.mu.Unlock()

	other.mu.Lock()
	ost := other.stateFor(exec)
	ost.listeners = append(ost.listeners, r)
	other.mu.Unlock()
}

// GetNumDependencies returns how many dependencies r has within exec,
// rendered or not.
func (r *Request) GetNumDependencies(exec *Execution) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.perExec[exec]; ok {
		return len(st.deps)
	}
	return 0
}

// remainingDepCount returns how many of r's dependencies within exec have
// not yet rendered.
func (r *Request) remainingDepCount(exec *Execution) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.perExec[exec]; ok {
		return st.remaining
	}
	return 0
}

// markDependencyAsRendered decrements r's remaining dependency count
// within exec to account for other having finished, and caches other's
// produced image (if any) for r's upcoming render. It returns the new
// remaining count.
func (r *Request) markDependencyAsRendered(exec *Execution, other *Request) int {
	img, hasImage := other.ProducedImage()

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateFor(exec)
	if st.remaining > 0 {
		st.remaining--
	}
	if hasImage {
		st.cachedInputs[other] = img
	}
	return st.remaining
}

// GetListeners returns a stable snapshot of the requests that depend on r
// within exec.
func (r *Request) GetListeners(exec *Execution) []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.perExec[exec]
	if !ok {
		return nil
	}
	out := make([]*Request, len(st.listeners))
	copy(out, st.listeners)
	return out
}

// InputResult returns the cached image r retained from dependency within
// exec, if any. It is available from the moment the dependency finishes
// until r's own clearRenderedDependencies call.
func (r *Request) InputResult(exec *Execution, dependency *Request) (Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.perExec[exec]
	if !ok {
		return nil, false
	}
	img, ok := st.cachedInputs[dependency]
	return img, ok
}

// ClearRenderedDependencies releases every upstream image r retained for
// exec. It is called unconditionally once r's own render finishes
// (success or failure) and must complete before r's completion callback
// returns, bounding how long input images stay pinned in memory.
func (r *Request) ClearRenderedDependencies(exec *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.perExec[exec]; ok {
		clear(st.cachedInputs)
	}
}
