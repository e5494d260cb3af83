package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/types"
)

func newTestReconciler(t *testing.T) *Reconciler {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewReconciler(store, nil)
}

func intPtr(n int) *int       { return &n }
func int64Ptr(n int64) *int64 { return &n }

func TestCreateTaskDefaults(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()

	task, err := r.Create(ctx, "dev_1", types.TaskCmdExec, []byte(`{"cmd":"ls"}`), 0)
	require.NoError(t, err)

	assert.Contains(t, task.TaskID, "task-")
	assert.Equal(t, 1, task.Revision)
	assert.Equal(t, types.TaskPending, task.DesiredState)

	got, _, err := r.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, got.TaskID)
}

func TestCreateTaskInvalidType(t *testing.T) {
	r := newTestReconciler(t)

	_, err := r.Create(context.Background(), "dev_1", "reboot_into_space", nil, 0)
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestCancelBumpsRevisionAndDelivers(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()

	task, err := r.Create(ctx, "dev_1", types.TaskCmdExec, []byte(`{}`), 0)
	require.NoError(t, err)

	// Before cancel: delivered as a task.
	deliveries, cancels, err := r.Deliveries(ctx, "dev_1")
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Empty(t, cancels)

	canceled, err := r.Cancel(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 2, canceled.Revision)
	assert.Equal(t, types.TaskCanceled, canceled.DesiredState)

	// After cancel: moves to the cancels list with the new revision.
	deliveries, cancels, err = r.Deliveries(ctx, "dev_1")
	require.NoError(t, err)
	assert.Empty(t, deliveries)
	require.Len(t, cancels, 1)
	assert.Equal(t, 2, cancels[0].Revision)
	assert.Equal(t, types.TaskCanceled, cancels[0].DesiredState)

	// Agent confirms the cancel: nothing left to send.
	r.IngestReports(ctx, "dev_1", []types.TaskReport{
		{TaskID: task.TaskID, State: types.TaskCanceled},
	})
	deliveries, cancels, err = r.Deliveries(ctx, "dev_1")
	require.NoError(t, err)
	assert.Empty(t, deliveries)
	assert.Empty(t, cancels)
}

func TestCancelMissingTask(t *testing.T) {
	r := newTestReconciler(t)
	_, err := r.Cancel(context.Background(), "task-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeliveryStopsAfterTerminalReport(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()

	task, err := r.Create(ctx, "dev_1", types.TaskCmdExec, []byte(`{}`), 0)
	require.NoError(t, err)

	r.IngestReports(ctx, "dev_1", []types.TaskReport{
		{TaskID: task.TaskID, State: types.TaskSucceeded, Progress: intPtr(100)},
	})

	deliveries, _, err := r.Deliveries(ctx, "dev_1")
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestIngestReportsTerminalWinsWithinBatch(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()

	task, err := r.Create(ctx, "dev_1", types.TaskCmdExec, []byte(`{}`), 0)
	require.NoError(t, err)

	// Terminal report arrives first in slice order; it must still win.
	r.IngestReports(ctx, "dev_1", []types.TaskReport{
		{TaskID: task.TaskID, State: types.TaskSucceeded},
		{TaskID: task.TaskID, State: types.TaskRunning, Progress: intPtr(50)},
		{TaskID: task.TaskID, State: types.TaskReceived},
	})

	_, state, err := r.Get(ctx, task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, types.TaskSucceeded, state.State)
}

func TestIngestReportsNeverRegressesTerminal(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()

	task, err := r.Create(ctx, "dev_1", types.TaskCmdExec, []byte(`{}`), 0)
	require.NoError(t, err)

	r.IngestReports(ctx, "dev_1", []types.TaskReport{
		{TaskID: task.TaskID, State: types.TaskFailed, Error: "boom"},
	})
	// A later heartbeat replays a stale running report.
	r.IngestReports(ctx, "dev_1", []types.TaskReport{
		{TaskID: task.TaskID, State: types.TaskRunning, Progress: intPtr(10)},
	})

	_, state, err := r.Get(ctx, task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, types.TaskFailed, state.State)
	assert.Equal(t, "boom", state.Error)
}

func TestIngestReportsAppendsOutput(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()

	task, err := r.Create(ctx, "dev_1", types.TaskCmdExec, []byte(`{}`), 0)
	require.NoError(t, err)

	r.IngestReports(ctx, "dev_1", []types.TaskReport{
		{TaskID: task.TaskID, State: types.TaskRunning, Progress: intPtr(40),
			OutputChunk: "line1\n", OutputCursor: int64Ptr(6)},
	})

	_, state, err := r.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 40, state.Progress)
	assert.Equal(t, int64(6), state.OutputCursor)

	logs, err := r.Logs(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "line1\n", logs[0].Content)

	// A stale chunk behind the cursor is dropped.
	r.IngestReports(ctx, "dev_1", []types.TaskReport{
		{TaskID: task.TaskID, State: types.TaskRunning,
			OutputChunk: "line1\n", OutputCursor: int64Ptr(3)},
	})
	logs, err = r.Logs(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestIngestReportsSkipsMalformedEntries(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()

	task, err := r.Create(ctx, "dev_1", types.TaskCmdExec, []byte(`{}`), 0)
	require.NoError(t, err)

	// The empty task_id entry is skipped; the valid one still lands.
	r.IngestReports(ctx, "dev_1", []types.TaskReport{
		{TaskID: "", State: types.TaskRunning},
		{TaskID: task.TaskID, State: types.TaskRunning},
	})

	_, state, err := r.Get(ctx, task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, types.TaskRunning, state.State)
}

func TestProgressClamped(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()

	task, err := r.Create(ctx, "dev_1", types.TaskCmdExec, []byte(`{}`), 0)
	require.NoError(t, err)

	r.IngestReports(ctx, "dev_1", []types.TaskReport{
		{TaskID: task.TaskID, State: types.TaskRunning, Progress: intPtr(250)},
	})

	_, state, err := r.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 100, state.Progress)
}
