// Package demo provides a minimal, self-contained render.Effect
// implementation: a handful of synthetic image nodes wired into a small
// graph, enough to drive a tree render end-to-end without a real
// compositing host behind it.
package demo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pixeltree/treerender/internal/render"
)

// Pixel is the demo's entire "image" representation: one synthetic value
// standing in for a rendered frame, plus the node path that produced it,
// useful for asserting shapes in tests without any real pixel buffer.
type Pixel struct {
	Value float64
	Trace []render.EffectID
}

// Compute produces a node's output image from its already-rendered
// inputs.
type Compute func(inputs []Pixel) (Pixel, error)

// Node is a synthetic effect: zero or more inputs, a compute function,
// and the bookkeeping the render engine requires of every Effect.
type Node struct {
	id      render.EffectID
	inputs  []*Node
	compute Compute

	// simulatedWork models the cost of an expensive node without actually
	// burning CPU; LaunchNodeRender sleeps this long before computing.
	simulatedWork time.Duration

	mu        sync.Mutex
	inputReqs map[render.Key][]*render.Request
}

// NewNode builds a synthetic effect with the given inputs and compute
// function.
func NewNode(id render.EffectID, compute Compute, inputs ...*Node) *Node {
	return &Node{
		id:        id,
		inputs:    inputs,
		compute:   compute,
		inputReqs: make(map[render.Key][]*render.Request),
	}
}

// Constant returns a leaf node that always produces the same value.
func Constant(id render.EffectID, value float64) *Node {
	return NewNode(id, func([]Pixel) (Pixel, error) {
		return Pixel{Value: value, Trace: []render.EffectID{id}}, nil
	})
}

// Blend returns a node that averages its inputs.
func Blend(id render.EffectID, inputs ...*Node) *Node {
	return NewNode(id, func(in []Pixel) (Pixel, error) {
		var sum float64
		trace := []render.EffectID{id}
		for _, p := range in {
			sum += p.Value
			trace = append(trace, p.Trace...)
		}
		return Pixel{Value: sum / float64(len(in)), Trace: trace}, nil
	}, inputs...)
}

// Failing returns a node that always fails its render.
func Failing(id render.EffectID, inputs ...*Node) *Node {
	return NewNode(id, func([]Pixel) (Pixel, error) {
		return Pixel{}, fmt.Errorf("demo: node %q always fails", id)
	}, inputs...)
}

// WithSimulatedWork returns n with a simulated compute duration, for
// exercising abort-mid-flight scenarios deterministically.
func (n *Node) WithSimulatedWork(d time.Duration) *Node {
	n.simulatedWork = d
	return n
}

func (n *Node) ID() render.EffectID { return n.id }

func (n *Node) IsGroupInputProxy() bool               { return false }
func (n *Node) RealGroupInput() (render.Effect, bool) { return nil, false }

func (n *Node) IsRenderClone() bool { return false }

// CreateRenderClone and DropRenderClone are no-ops: these demo nodes carry
// no per-tree-render parameter state, so cloning them is an identity
// operation rather than an allocation.
func (n *Node) CreateRenderClone(render.CloneKey) (render.Effect, error) { return n, nil }
func (n *Node) DropRenderClone(render.CloneKey)                         {}

func (n *Node) RegionOfDefinition(context.Context, render.Time, render.ViewIndex) (render.RoI, error) {
	return render.RoI{X1: 0, Y1: 0, X2: 1920, Y2: 1080}, nil
}

func (n *Node) ProducedPlane(context.Context, render.Time, render.ViewIndex) (render.Plane, error) {
	return render.Plane("Color.RGBA"), nil
}

// RequestRender implements the planning pass described on render.Effect:
// recursively plan every input first, wire the dependency edges, and
// register this node's own request last.
func (n *Node) RequestRender(ctx context.Context, exec *render.Execution, key render.Key) (*render.Request, error) {
	req, existed := exec.RequestFor(key)
	if existed {
		return req, nil
	}

	childReqs := make([]*render.Request, 0, len(n.inputs))
	for _, in := range n.inputs {
		roi, err := in.RegionOfDefinition(ctx, key.Time, key.View)
		if err != nil {
			return nil, err
		}
		plane, err := in.ProducedPlane(ctx, key.Time, key.View)
		if err != nil {
			return nil, err
		}
		childKey := render.Key{Effect: in, Time: key.Time, View: key.View, Plane: plane, RoI: roi}
		childReq, err := in.RequestRender(ctx, exec, childKey)
		if err != nil {
			return nil, err
		}
		exec.AddDependency(req, childReq)
		childReqs = append(childReqs, childReq)
	}

	n.mu.Lock()
	n.inputReqs[key] = childReqs
	n.mu.Unlock()

	exec.AddTaskToRender(req)
	return req, nil
}

// LaunchNodeRender gathers this node's already-rendered inputs and calls
// its compute function.
func (n *Node) LaunchNodeRender(ctx context.Context, er render.ExecRenderContext, req *render.Request) render.Status {
	if er.IsAborted() {
		return render.StatusAborted
	}
	if n.simulatedWork > 0 {
		select {
		case <-time.After(n.simulatedWork):
		case <-ctx.Done():
			return render.StatusAborted
		}
		if er.IsAborted() {
			return render.StatusAborted
		}
	}

	n.mu.Lock()
	childReqs := n.inputReqs[req.Key()]
	n.mu.Unlock()

	inputs := make([]Pixel, 0, len(childReqs))
	for _, childReq := range childReqs {
		img, ok := er.InputResult(req, childReq)
		if !ok {
			return render.StatusFailed
		}
		px, ok := img.(Pixel)
		if !ok {
			return render.StatusFailed
		}
		inputs = append(inputs, px)
	}

	out, err := n.compute(inputs)
	if err != nil {
		return render.StatusFailed
	}
	req.SetProducedImage(out)
	return render.StatusRendered
}
