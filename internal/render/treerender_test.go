package render

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixeltree/treerender/internal/demo"
)

func TestCreateRequiresRootEffect(t *testing.T) {
	_, err := Create(context.Background(), CtorArgs{Time: NewTime(1, 1)})
	require.Error(t, err)
}

func TestCreateAppliesDefaultConfigWhenUnset(t *testing.T) {
	tr, err := Create(context.Background(), CtorArgs{
		Time:       NewTime(1, 1),
		RootEffect: demo.Constant("leaf", 1),
		Pool:       syncDispatcher{},
	})
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().TeardownTimeout, tr.config.TeardownTimeout)
}

func TestExtraResultReportsNotSettledBeforeCompletion(t *testing.T) {
	tr := newTestTreeRender(t)
	_, _, ok := tr.ExtraResult(Key{Plane: "never-requested"})
	require.False(t, ok)
}

func TestAwaitTeardownSucceedsOnceWorkHasDrained(t *testing.T) {
	ctx := context.Background()
	tr, err := Create(ctx, CtorArgs{
		Time:         NewTime(1, 1),
		RootEffect:   demo.Constant("leaf", 1),
		Pool:         syncDispatcher{},
		QueueManager: &recordingQueueManager{},
	})
	require.NoError(t, err)
	tr.Launch(ctx)
	require.NoError(t, tr.Wait(ctx))

	require.NoError(t, tr.AwaitTeardown())
}

func TestTeardownAndReleaseIsIdempotent(t *testing.T) {
	tr := newTestTreeRender(t)
	require.NotPanics(t, func() {
		tr.TeardownAndRelease()
		tr.TeardownAndRelease()
	})
}

func TestSetRenderAbortedIsWriteMonotonic(t *testing.T) {
	tr := newTestTreeRender(t)
	tr.SetRenderAborted()
	require.Equal(t, StateAborted, tr.State())

	// A finished render's own state must not be resurrected to OK by a
	// second, redundant abort call.
	tr.SetRenderAborted()
	require.Equal(t, StateAborted, tr.State())
}

func TestAcquireContextsCachesAcrossCalls(t *testing.T) {
	pool := &countingContextPool{}
	tr, err := Create(context.Background(), CtorArgs{
		Time:        NewTime(1, 1),
		RootEffect:  demo.Constant("leaf", 1),
		Pool:        syncDispatcher{},
		ContextPool: pool,
	})
	require.NoError(t, err)

	gl1, cpu1 := tr.AcquireContexts(context.Background())
	gl2, cpu2 := tr.AcquireContexts(context.Background())
	require.Equal(t, gl1, gl2)
	require.Equal(t, cpu1, cpu2)
	require.Equal(t, 1, pool.glCalls)
	require.Equal(t, 1, pool.cpuCalls)
}

type countingContextPool struct {
	glCalls, cpuCalls int
}

func (p *countingContextPool) GetOrCreateOpenGLContext(context.Context, bool) (RenderingContext, error) {
	p.glCalls++
	return "gl-context", nil
}

func (p *countingContextPool) GetOrCreateCPUContext(context.Context, bool) (RenderingContext, error) {
	p.cpuCalls++
	return "cpu-context", nil
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	slow := demo.Constant("slow", 1).WithSimulatedWork(200 * time.Millisecond)
	tr, err := Create(context.Background(), CtorArgs{
		Time:         NewTime(1, 1),
		RootEffect:   slow,
		Pool:         syncDispatcher{},
		QueueManager: &recordingQueueManager{},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	go tr.Launch(context.Background())

	err = tr.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
