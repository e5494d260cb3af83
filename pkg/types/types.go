package types

import (
	"encoding/json"
	"time"
)

// Device represents one enrolled agent installation.
type Device struct {
	ID              string       `json:"id"`
	PublicKey       string       `json:"public_key"` // base64 SPKI Ed25519
	Platform        Platform     `json:"platform"`
	Version         string       `json:"version"`
	EnrollmentToken string       `json:"enrollment_token,omitempty"`
	MACAddress      string       `json:"mac_address,omitempty"`
	Status          DeviceStatus `json:"status"`
	LastSeen        int64        `json:"last_seen"` // ms epoch
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Platform identifies the agent operating system.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
)

// ValidPlatform reports whether p is one of the enumerated platforms.
func ValidPlatform(p Platform) bool {
	switch p {
	case PlatformWindows, PlatformLinux, PlatformMacOS:
		return true
	}
	return false
}

// DeviceStatus represents the liveness state of a device.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
	DeviceError   DeviceStatus = "error"
)

// DeviceCount is one fleet-size bucket, grouped by platform and status.
type DeviceCount struct {
	Platform Platform
	Status   DeviceStatus
	Count    int
}

// DeviceUpdate is a partial update applied to a device record.
// Nil fields are left untouched.
type DeviceUpdate struct {
	LastSeen        *int64
	Status          *DeviceStatus
	Version         *string
	PublicKey       *string
	EnrollmentToken *string
	Platform        *Platform
}

// Task is a declarative unit of work issued by an administrator and
// reconciled against the state the agent reports back.
type Task struct {
	TaskID       string          `json:"task_id"`
	DeviceID     string          `json:"device_id"`
	Type         TaskType        `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Revision     int             `json:"revision"`
	DesiredState TaskState       `json:"desired_state"`
	TimeoutS     int             `json:"timeout_s,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TaskType enumerates the supported declarative task kinds.
type TaskType string

const (
	TaskConfigUpdate TaskType = "config_update"
	TaskCmdExec      TaskType = "cmd_exec"
)

// ValidTaskType reports whether t is a known task type.
func ValidTaskType(t TaskType) bool {
	return t == TaskConfigUpdate || t == TaskCmdExec
}

// TaskState covers both desired and agent-reported task states.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskReceived  TaskState = "received"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCanceled  TaskState = "canceled"
)

// Terminal reports whether s is a terminal task state. Once a reported
// state is terminal it never regresses.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCanceled
}

// ReportRank orders reports within one heartbeat batch so that a terminal
// report always folds last and wins: received < running < terminal.
func (s TaskState) ReportRank() int {
	switch s {
	case TaskReceived:
		return 0
	case TaskRunning:
		return 1
	}
	return 2
}

// TaskStateRow is the agent-reported state paired with a task.
type TaskStateRow struct {
	TaskID       string    `json:"task_id"`
	DeviceID     string    `json:"device_id"`
	State        TaskState `json:"state"`
	Progress     int       `json:"progress"`
	OutputCursor int64     `json:"output_cursor"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TaskReport is one entry of the heartbeat `reports` batch.
type TaskReport struct {
	TaskID       string    `json:"task_id"`
	State        TaskState `json:"state"`
	Progress     *int      `json:"progress,omitempty"`
	OutputChunk  string    `json:"output_chunk,omitempty"`
	OutputCursor *int64    `json:"output_cursor,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// TaskDelivery is the task shape sent to agents during heartbeat.
type TaskDelivery struct {
	TaskID       string          `json:"task_id"`
	Revision     int             `json:"revision"`
	Type         TaskType        `json:"type"`
	DesiredState TaskState       `json:"desired_state"`
	Payload      json.RawMessage `json:"payload"`
}

// CancelDelivery tells the agent to stop a task.
type CancelDelivery struct {
	TaskID       string    `json:"task_id"`
	Revision     int       `json:"revision"`
	DesiredState TaskState `json:"desired_state"`
}

// Command is a one-shot imperative instruction on the legacy channel.
type Command struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"device_id"`
	Type        CommandType     `json:"type"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Status      CommandStatus   `json:"status"`
	CreatedAt   int64           `json:"created_at"` // ms epoch
	ExpiresAt   int64           `json:"expires_at"` // ms epoch
	DeliveredAt int64           `json:"delivered_at,omitempty"`
	CompletedAt int64           `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
}

// CommandType enumerates the supported command kinds.
type CommandType string

const (
	CommandExecute      CommandType = "execute"
	CommandFileOp       CommandType = "file_op"
	CommandConfigUpdate CommandType = "config_update"
	CommandUpgrade      CommandType = "upgrade"
	CommandScript       CommandType = "script"
)

// ValidCommandType reports whether t is a known command type.
func ValidCommandType(t CommandType) bool {
	switch t {
	case CommandExecute, CommandFileOp, CommandConfigUpdate, CommandUpgrade, CommandScript:
		return true
	}
	return false
}

// Priority orders command delivery. Urgent drains first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the sort rank of a priority; lower drains first.
// Unknown priorities sort after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// CommandStatus tracks a command through delivery and acknowledgement.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandDelivered CommandStatus = "delivered"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandExpired   CommandStatus = "expired"
)

// CommandIndex lists the live command ids for one device. The index is
// authoritative for which commands are live; the records say what they are.
type CommandIndex struct {
	DeviceID   string   `json:"device_id"`
	CommandIDs []string `json:"command_ids"`
	UpdatedAt  int64    `json:"updated_at"` // ms epoch
}

// EnrollmentToken gates enrollment of new devices.
type EnrollmentToken struct {
	Token        string     `json:"token"`
	Description  string     `json:"description,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"` // nil = never expires
	Used         bool       `json:"used"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	UsedByDevice string     `json:"used_by_device,omitempty"`
	IsActive     bool       `json:"is_active"`
	UsageCount   int        `json:"usage_count"`
	MaxUsage     int        `json:"max_usage"`
}

// ConfigScope layers configuration documents. Device overrides token
// overrides global.
type ConfigScope string

const (
	ScopeGlobal ConfigScope = "global"
	ScopeToken  ConfigScope = "token"
	ScopeDevice ConfigScope = "device"
)

// ValidConfigScope reports whether s is a known scope.
func ValidConfigScope(s ConfigScope) bool {
	return s == ScopeGlobal || s == ScopeToken || s == ScopeDevice
}

// Configuration is one layered configuration row. TargetID is empty for
// the global scope and required otherwise.
type Configuration struct {
	ID        int64           `json:"id"`
	Scope     ConfigScope     `json:"scope"`
	TargetID  string          `json:"target_id,omitempty"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	UpdatedBy string          `json:"updated_by,omitempty"`
}

// SystemInfo is the agent-reported machine snapshot in every heartbeat.
type SystemInfo struct {
	Platform    Platform `json:"platform"`
	Version     string   `json:"version"`
	Uptime      int64    `json:"uptime"`
	CPUUsage    *float64 `json:"cpu_usage,omitempty"`
	MemoryUsage *float64 `json:"memory_usage,omitempty"`
	DiskUsage   *float64 `json:"disk_usage,omitempty"`
}

// TaskLog is one appended chunk of task output.
type TaskLog struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is one entry of an agent audit batch. Opaque to the core.
type AuditEvent struct {
	DeviceID  string          `json:"device_id"`
	Kind      string          `json:"kind"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Session tracks an active agent session for the admin console.
type Session struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}
