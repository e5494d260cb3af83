// Package tasks implements the declarative task reconciler. An
// administrator states the desired lifecycle of a task; the agent reports
// the state it actually reached; the reconciler converges the two without
// resurrecting finished work.
package tasks

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/burrowhq/warden/pkg/events"
	"github.com/burrowhq/warden/pkg/log"
	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrNotFound means the task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidType means the task type is outside the enumerated set.
	ErrInvalidType = errors.New("invalid task type")
)

// Reconciler owns the task lifecycle. Created once at startup and passed
// explicitly to each handler; all state lives in the relational store.
type Reconciler struct {
	store  storage.Store
	broker *events.Broker
}

// NewReconciler creates a reconciler over the relational store.
func NewReconciler(store storage.Store, broker *events.Broker) *Reconciler {
	return &Reconciler{store: store, broker: broker}
}

// Create inserts a new task with revision 1 and desired state pending.
func (r *Reconciler) Create(ctx context.Context, deviceID string, taskType types.TaskType, payload []byte, timeoutS int) (*types.Task, error) {
	if !types.ValidTaskType(taskType) {
		return nil, ErrInvalidType
	}

	now := time.Now().UTC()
	t := &types.Task{
		TaskID:       "task-" + uuid.New().String(),
		DeviceID:     deviceID,
		Type:         taskType,
		Payload:      payload,
		Revision:     1,
		DesiredState: types.TaskPending,
		TimeoutS:     timeoutS,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	r.publish(events.EventTaskCreated, t.TaskID, deviceID, "")
	return t, nil
}

// Get returns a task with its current reported state, if any.
func (r *Reconciler) Get(ctx context.Context, taskID string) (*types.Task, *types.TaskStateRow, error) {
	t, err := r.store.GetTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	state, err := r.store.GetTaskState(ctx, taskID, t.DeviceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}
	return t, state, nil
}

// ListByDevice returns all tasks targeting a device.
func (r *Reconciler) ListByDevice(ctx context.Context, deviceID string) ([]*types.Task, error) {
	return r.store.ListTasksByDevice(ctx, deviceID)
}

// Cancel flips the desired state to canceled and bumps the revision. The
// agent keeps receiving the cancel until it confirms a terminal canceled
// state.
func (r *Reconciler) Cancel(ctx context.Context, taskID string) (*types.Task, error) {
	t, err := r.store.CancelTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.publish(events.EventTaskCanceled, taskID, t.DeviceID, "")
	return t, nil
}

// Deliveries selects the outgoing tasks and cancels for one device:
// tasks still wanted and not terminally reported, and cancellations not
// yet confirmed.
func (r *Reconciler) Deliveries(ctx context.Context, deviceID string) ([]types.TaskDelivery, []types.CancelDelivery, error) {
	toSend, err := r.store.TasksToSend(ctx, deviceID)
	if err != nil {
		return nil, nil, err
	}
	cancels, err := r.store.CancelsToSend(ctx, deviceID)
	if err != nil {
		return nil, nil, err
	}

	var deliveries []types.TaskDelivery
	for _, t := range toSend {
		deliveries = append(deliveries, types.TaskDelivery{
			TaskID:       t.TaskID,
			Revision:     t.Revision,
			Type:         t.Type,
			DesiredState: t.DesiredState,
			Payload:      t.Payload,
		})
	}

	var cancelDeliveries []types.CancelDelivery
	for _, t := range cancels {
		cancelDeliveries = append(cancelDeliveries, types.CancelDelivery{
			TaskID:       t.TaskID,
			Revision:     t.Revision,
			DesiredState: types.TaskCanceled,
		})
	}
	return deliveries, cancelDeliveries, nil
}

// IngestReports folds a heartbeat report batch into task states. Per-report
// failures are logged and skipped; the batch never fails the heartbeat.
//
// Reports for the same task are folded in state-priority order
// (received < running < terminal) so a terminal report wins regardless of
// slice order, and a terminal state never regresses afterwards.
func (r *Reconciler) IngestReports(ctx context.Context, deviceID string, reports []types.TaskReport) {
	ordered := make([]types.TaskReport, len(reports))
	copy(ordered, reports)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].TaskID != ordered[j].TaskID {
			return ordered[i].TaskID < ordered[j].TaskID
		}
		return ordered[i].State.ReportRank() < ordered[j].State.ReportRank()
	})

	for _, rep := range ordered {
		if err := r.ingestOne(ctx, deviceID, rep); err != nil {
			wlog := log.WithTaskID(rep.TaskID)
			wlog.Warn().Err(err).
				Str("device_id", deviceID).Msg("task report skipped")
		}
	}
}

func (r *Reconciler) ingestOne(ctx context.Context, deviceID string, rep types.TaskReport) error {
	if rep.TaskID == "" {
		return errors.New("report without task_id")
	}

	cur, err := r.store.GetTaskState(ctx, rep.TaskID, deviceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	// Terminal states never regress. The store's conditional upsert
	// enforces this too; checking here avoids useless writes and spurious
	// log appends.
	if cur != nil && cur.State.Terminal() && !rep.State.Terminal() {
		return nil
	}

	row := &types.TaskStateRow{
		TaskID:    rep.TaskID,
		DeviceID:  deviceID,
		State:     rep.State,
		UpdatedAt: time.Now().UTC(),
	}
	if rep.Progress != nil {
		row.Progress = clampProgress(*rep.Progress)
	} else if cur != nil {
		row.Progress = cur.Progress
	}
	if rep.OutputCursor != nil {
		row.OutputCursor = *rep.OutputCursor
	} else if cur != nil {
		row.OutputCursor = cur.OutputCursor
	}
	if rep.Error != "" {
		row.Error = rep.Error
	} else if cur != nil {
		row.Error = cur.Error
	}

	if err := r.store.UpsertTaskState(ctx, row); err != nil {
		return err
	}

	// Output chunks are deduplicated by cursor: only chunks at or past the
	// last seen offset are appended.
	if rep.OutputChunk != "" {
		lastCursor := int64(0)
		if cur != nil {
			lastCursor = cur.OutputCursor
		}
		if rep.OutputCursor == nil || *rep.OutputCursor >= lastCursor {
			if err := r.store.AppendTaskLog(ctx, rep.TaskID, rep.OutputChunk); err != nil {
				return err
			}
		}
	}

	if rep.State.Terminal() && (cur == nil || !cur.State.Terminal()) {
		switch rep.State {
		case types.TaskSucceeded:
			r.publish(events.EventTaskCompleted, rep.TaskID, deviceID, "")
		case types.TaskFailed:
			r.publish(events.EventTaskFailed, rep.TaskID, deviceID, rep.Error)
		}
	}
	return nil
}

// Logs returns the appended output stream of a task.
func (r *Reconciler) Logs(ctx context.Context, taskID string) ([]*types.TaskLog, error) {
	return r.store.ListTaskLogs(ctx, taskID)
}

func (r *Reconciler) publish(kind events.EventType, taskID, deviceID, message string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:      kind,
		Timestamp: time.Now(),
		Message:   message,
		Metadata: map[string]string{
			"task_id":   taskID,
			"device_id": deviceID,
		},
	})
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
