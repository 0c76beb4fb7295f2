package render

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pixeltree/treerender/internal/demo"
)

func TestExecutionLinearChainRendersInDependencyOrder(t *testing.T) {
	ctx := context.Background()
	leaf := demo.Constant("leaf", 2)
	mid := demo.NewNode("mid", func(in []demo.Pixel) (demo.Pixel, error) {
		return demo.Pixel{Value: in[0].Value * 10}, nil
	}, leaf)
	top := demo.NewNode("top", func(in []demo.Pixel) (demo.Pixel, error) {
		return demo.Pixel{Value: in[0].Value + 1}, nil
	}, mid)

	qm := &recordingQueueManager{}
	tr, err := Create(ctx, CtorArgs{
		Time:         NewTime(1, 1),
		RootEffect:   top,
		QueueManager: qm,
		Pool:         syncDispatcher{},
	})
	require.NoError(t, err)

	tr.Launch(ctx)
	require.NoError(t, tr.Wait(context.Background()))

	require.Equal(t, StateOK, tr.State())
	img, ok := tr.OutputRequest().ProducedImage()
	require.True(t, ok)
	require.Equal(t, demo.Pixel{Value: 21}, img)
	require.Greater(t, qm.notified, 0)
}

func TestExecutionHasTasksToExecuteReflectsAllTasks(t *testing.T) {
	tr := newTestTreeRender(t)
	exec := tr.main
	require.True(t, exec.HasTasksToExecute(), "Create plans the single leaf but does not run it")

	tr.Launch(context.Background())
	require.False(t, exec.HasTasksToExecute(), "Launch drained the single-leaf graph synchronously")
}

func TestExecuteAvailableTasksInlinesAlreadySettledRequests(t *testing.T) {
	ctx := context.Background()
	tr := newTestTreeRender(t)
	tr.Launch(ctx) // drain the planned leaf so only the request below is ready
	exec := tr.main

	req := NewRequest(Key{Effect: demo.Constant("settled", 1), Plane: "settled"})
	exec.AddTaskToRender(req)
	req.SetStatus(StatusRendered)

	// A ready request that has already rendered by the time it is released
	// has no work left; ExecuteAvailableTasks runs it inline and must not
	// report it as newly dispatched.
	dispatched := exec.ExecuteAvailableTasks(ctx, -1)
	require.Equal(t, 0, dispatched)
}

func TestExecutionFailurePropagatesToListeners(t *testing.T) {
	ctx := context.Background()
	leaf := demo.Constant("leaf", 1)
	bad := demo.Failing("bad", leaf)
	top := demo.Blend("top", bad, leaf)

	qm := &recordingQueueManager{}
	tr, err := Create(ctx, CtorArgs{
		Time:         NewTime(1, 1),
		RootEffect:   top,
		Pool:         syncDispatcher{},
		QueueManager: qm,
	})
	require.NoError(t, err)

	tr.Launch(ctx)
	require.NoError(t, tr.Wait(context.Background()))

	require.Equal(t, StateFailed, tr.State())
	require.Error(t, tr.Err())
}
