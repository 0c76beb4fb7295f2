package render

import "container/heap"

// readyQueue is the ordered, dependency-free set of requests belonging to
// one Execution. It orders releases by descending listener count, so that
// releasing a request frees the largest possible amount of downstream
// work as soon as possible, with a stable (insertion-order) tie-break so
// that iteration order is deterministic rather than depending on incidental
// pointer values.
//
// Strict ordering beyond "a total order that makes the set well-formed"
// is not required for correctness; this ordering is a scheduling quality
// heuristic only.
type readyQueue struct {
	h    readyHeap
	in   map[*Request]struct{}
	next uint64
}

func newReadyQueue() *readyQueue {
	return &readyQueue{in: make(map[*Request]struct{})}
}

// Contains reports whether req is currently in the ready set, guarding
// against duplicate insertion when multiple dependencies of the same
// listener finish concurrently.
func (q *readyQueue) Contains(req *Request) bool {
	_, ok := q.in[req]
	return ok
}

// Push adds req to the ready set, ordered by the listener count the caller
// passes in. It is a no-op if req is already present.
func (q *readyQueue) Push(req *Request, listenerCount int) {
	if q.Contains(req) {
		return
	}
	q.in[req] = struct{}{}
	heap.Push(&q.h, readyItem{req: req, seq: q.next, listenerCount: listenerCount})
	q.next++
}

// Pop removes and returns the highest-priority request, or nil if the set
// is empty.
func (q *readyQueue) Pop() *Request {
	if q.h.Len() == 0 {
		return nil
	}
	item := heap.Pop(&q.h).(readyItem)
	delete(q.in, item.req)
	return item.req
}

// Len returns the number of requests currently in the ready set.
func (q *readyQueue) Len() int { return q.h.Len() }

type readyItem struct {
	req           *Request
	seq           uint64
	listenerCount int
}

// readyHeap is a max-heap on listenerCount with a FIFO tie-break on seq,
// implementing container/heap.Interface.
type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].listenerCount != h[j].listenerCount {
		return h[i].listenerCount > h[j].listenerCount
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) {
	*h = append(*h, x.(readyItem))
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
