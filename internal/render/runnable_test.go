package render

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pixeltree/treerender/internal/demo"
)

func TestRunnableSkipsLaunchWhenTreeAborted(t *testing.T) {
	ctx := context.Background()
	called := false
	node := demo.NewNode("n", func([]demo.Pixel) (demo.Pixel, error) {
		called = true
		return demo.Pixel{}, nil
	})

	tr, err := Create(ctx, CtorArgs{
		Time:       NewTime(1, 1),
		RootEffect: node,
		Pool:       syncDispatcher{},
	})
	require.NoError(t, err)

	tr.SetRenderAborted()
	tr.Launch(ctx)

	status := tr.OutputRequest().GetStatus()
	require.Equal(t, StatusAborted, status)
	require.False(t, called, "an aborted tree render must not call into effect code")
}

func TestRunnableHoldsOnlyWeakExecutionReference(t *testing.T) {
	tr := newTestTreeRender(t)
	req := NewRequest(Key{Plane: "x"})
	rn := newRunnable(tr.main, req)

	exec := rn.exec.Value()
	require.Same(t, tr.main, exec)
}
