package render

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// countingCloneEffect is a minimal render.Effect used only to count how
// many times CreateRenderClone/DropRenderClone are invoked.
type countingCloneEffect struct {
	id          EffectID
	createCalls int
	dropCalls   int
}

func (e *countingCloneEffect) ID() EffectID                            { return e.id }
func (e *countingCloneEffect) IsGroupInputProxy() bool                 { return false }
func (e *countingCloneEffect) RealGroupInput() (Effect, bool)          { return nil, false }
func (e *countingCloneEffect) IsRenderClone() bool                     { return false }
func (e *countingCloneEffect) DropRenderClone(CloneKey)                { e.dropCalls++ }
func (e *countingCloneEffect) RegionOfDefinition(context.Context, Time, ViewIndex) (RoI, error) {
	return RoI{X2: 1, Y2: 1}, nil
}
func (e *countingCloneEffect) ProducedPlane(context.Context, Time, ViewIndex) (Plane, error) {
	return "Color", nil
}
func (e *countingCloneEffect) RequestRender(ctx context.Context, exec *Execution, key Key) (*Request, error) {
	req, existed := exec.RequestFor(key)
	if !existed {
		exec.AddTaskToRender(req)
	}
	return req, nil
}
func (e *countingCloneEffect) LaunchNodeRender(context.Context, ExecRenderContext, *Request) Status {
	return StatusRendered
}
func (e *countingCloneEffect) CreateRenderClone(key CloneKey) (Effect, error) {
	e.createCalls++
	return &countingCloneEffect{id: e.id + "-clone"}, nil
}

func TestCloneRegistryCreatesOncePerTreeRender(t *testing.T) {
	original := &countingCloneEffect{id: "original"}
	registry := newCloneRegistry()

	tr := newTestTreeRender(t)
	key := tr.CloneKey()

	clone1, err := registry.getOrCreate(original, key)
	require.NoError(t, err)
	clone2, err := registry.getOrCreate(original, key)
	require.NoError(t, err)

	require.Same(t, clone1, clone2)
	require.Equal(t, 1, original.createCalls)
}

func TestCloneRegistryCleanupIsIdempotent(t *testing.T) {
	original := &countingCloneEffect{id: "original"}
	registry := newCloneRegistry()
	tr := newTestTreeRender(t)
	key := tr.CloneKey()

	_, err := registry.getOrCreate(original, key)
	require.NoError(t, err)

	registry.cleanup()
	registry.cleanup()
	require.Equal(t, 1, original.dropCalls, "cleanup must only release clones once")
}

func TestCloneKeyWeaklyReferencesTreeRender(t *testing.T) {
	tr := newTestTreeRender(t)
	key := tr.CloneKey()

	resolved, ok := key.TreeRender()
	require.True(t, ok)
	require.Same(t, tr, resolved)
}
