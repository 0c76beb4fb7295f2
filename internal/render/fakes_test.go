package render

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pixeltree/treerender/internal/demo"
)

// newTestTreeRender builds a minimal, fully planned tree render over a
// single leaf effect, for tests that only need a live Execution and
// TreeRender to exercise scheduling machinery directly rather than a
// specific effect graph.
func newTestTreeRender(t *testing.T) *TreeRender {
	t.Helper()
	root := demo.Constant("leaf", 1)
	tr, err := Create(context.Background(), CtorArgs{
		Time:       NewTime(1, 1),
		RootEffect: root,
		Config:     Config{DisableMultiThreading: true},
	})
	require.NoError(t, err)
	return tr
}

// syncDispatcher runs every submitted task synchronously on the calling
// goroutine, making scheduling tests deterministic without needing a real
// worker pool.
type syncDispatcher struct{}

func (syncDispatcher) Submit(task func()) { task() }

// recordingQueueManager counts NotifyTaskFinished calls and re-drives
// dispatch, standing in for a real queue manager in tests that exercise
// more than one round of scheduling.
type recordingQueueManager struct {
	notified int
}

func (m *recordingQueueManager) NotifyTaskFinished(ctx context.Context, exec *Execution, inWorkerThread bool) {
	m.notified++
	if exec.HasTasksToExecute() {
		exec.ExecuteAvailableTasks(ctx, -1)
	}
}
