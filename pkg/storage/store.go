package storage

import (
	"context"
	"errors"

	"github.com/burrowhq/warden/pkg/types"
)

// Sentinel errors shared by both backends.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("duplicate record")
)

// Store is the relational store of record for devices, tasks, task states,
// task logs, configurations, and the administrator view of enrollment
// tokens. All mutations run in short transactions.
type Store interface {
	// Devices
	CreateDevice(ctx context.Context, d *types.Device) error
	GetDevice(ctx context.Context, id string) (*types.Device, error)
	GetDeviceByMAC(ctx context.Context, mac string) (*types.Device, error)
	UpdateDevice(ctx context.Context, id string, upd types.DeviceUpdate) error
	ListDevices(ctx context.Context, offset, limit int) ([]*types.Device, int, error)
	DeleteDevice(ctx context.Context, id string) error
	MarkDevicesOffline(ctx context.Context, lastSeenBefore int64) (int64, error)
	CountDevices(ctx context.Context) ([]types.DeviceCount, error)

	// Tasks
	CreateTask(ctx context.Context, t *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	ListTasksByDevice(ctx context.Context, deviceID string) ([]*types.Task, error)
	CancelTask(ctx context.Context, taskID string) (*types.Task, error)
	TasksToSend(ctx context.Context, deviceID string) ([]*types.Task, error)
	CancelsToSend(ctx context.Context, deviceID string) ([]*types.Task, error)
	GetTaskState(ctx context.Context, taskID, deviceID string) (*types.TaskStateRow, error)
	UpsertTaskState(ctx context.Context, row *types.TaskStateRow) error
	AppendTaskLog(ctx context.Context, taskID, content string) error
	ListTaskLogs(ctx context.Context, taskID string) ([]*types.TaskLog, error)

	// Configurations
	UpsertConfiguration(ctx context.Context, c *types.Configuration) (*types.Configuration, error)
	GetConfiguration(ctx context.Context, id int64) (*types.Configuration, error)
	ListConfigurations(ctx context.Context) ([]*types.Configuration, error)
	DeleteConfiguration(ctx context.Context, id int64) error
	ConfigLayers(ctx context.Context, token, deviceID string) ([]*types.Configuration, error)

	// Enrollment tokens (administrator view; the KV copy serves agents)
	SaveTokenRow(ctx context.Context, t *types.EnrollmentToken) error
	ListTokenRows(ctx context.Context) ([]*types.EnrollmentToken, error)
	DeleteTokenRow(ctx context.Context, token string) error

	// Sessions
	UpsertSession(ctx context.Context, s *types.Session) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)

	// Audit
	InsertAuditEvents(ctx context.Context, events []types.AuditEvent) error
	ListAuditEvents(ctx context.Context, deviceID string, limit int) ([]types.AuditEvent, error)

	Close() error
}
