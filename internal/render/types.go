// Package render implements the tree render engine: the concurrency and
// dependency-scheduling core of a node-based compositing system. It
// schedules per-node render work for a DAG of image effects rooted at an
// output effect, honoring data dependencies and bounded worker pool
// concurrency, and supports auxiliary sub-executions launched mid-flight.
//
// The package does not produce pixels. Effects, the image cache, GPU/CPU
// context pools, and the worker pool itself are external collaborators
// described here only as interfaces (see contracts.go).
package render

import "fmt"

// Time is a rational frame/time value, avoiding the drift that accumulates
// from representing long timelines as floating point frame numbers.
type Time struct {
	Num, Den int64
}

// NewTime returns the rational time num/den. Den of zero is treated as 1.
func NewTime(num, den int64) Time {
	if den == 0 {
		den = 1
	}
	return Time{Num: num, Den: den}
}

func (t Time) String() string {
	if t.Den == 1 {
		return fmt.Sprintf("%d", t.Num)
	}
	return fmt.Sprintf("%d/%d", t.Num, t.Den)
}

// ViewIndex selects one view of a (possibly stereo/multi-view) sequence.
type ViewIndex int

// Plane names an image component layout an effect can produce, e.g.
// "Color", "Alpha", "Depth", "Motion". The set of valid planes is defined
// by effects, not by the engine.
type Plane string

// RoI is a canonical region of interest: a rectangle in the effect's
// canonical coordinate system.
type RoI struct {
	X1, Y1, X2, Y2 float64
}

// IsEmpty reports whether the region covers no area.
func (r RoI) IsEmpty() bool {
	return r.X2 <= r.X1 || r.Y2 <= r.Y1
}

// Image is an opaque handle to a rendered result. The engine never
// interprets or dereferences it; it is produced and consumed entirely by
// effect implementations.
type Image any

// Key identifies one Frame-View Request: an (effect-clone, time, view,
// plane, canonical region) tuple. Effect equality is pointer identity, so
// two render clones of the same underlying effect produce distinct keys.
type Key struct {
	Effect Effect
	Time   Time
	View   ViewIndex
	Plane  Plane
	RoI    RoI
}

func (k Key) String() string {
	return fmt.Sprintf("%s@t=%s,v=%d,plane=%s,roi=(%g,%g)-(%g,%g)",
		effectLabel(k.Effect), k.Time, k.View, k.Plane, k.RoI.X1, k.RoI.Y1, k.RoI.X2, k.RoI.Y2)
}

func effectLabel(e Effect) string {
	if e == nil {
		return "<nil effect>"
	}
	return string(e.ID())
}

// EffectID names an effect node (or one of its render clones) for logging
// and diagnostics. It is not used for equality; pointer identity is.
type EffectID string
