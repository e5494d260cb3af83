package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/burrowhq/warden/pkg/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL DEFAULT '',
	platform TEXT NOT NULL,
	version TEXT NOT NULL,
	last_seen INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'offline',
	enrollment_token TEXT,
	mac_address TEXT UNIQUE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	last_activity TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	type TEXT NOT NULL,
	desired_state TEXT NOT NULL,
	payload TEXT NOT NULL,
	revision INTEGER NOT NULL DEFAULT 1,
	timeout_s INTEGER,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_device ON tasks(device_id);

CREATE TABLE IF NOT EXISTS task_states (
	task_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	state TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	output_cursor INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (task_id, device_id)
);

CREATE TABLE IF NOT EXISTS task_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id);

CREATE TABLE IF NOT EXISTS configurations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scope TEXT NOT NULL,
	target_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	updated_by TEXT,
	UNIQUE (scope, target_id)
);

CREATE TABLE IF NOT EXISTS enrollment_tokens (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL UNIQUE,
	description TEXT,
	created_by TEXT,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP,
	used_at TIMESTAMP,
	used_by_device TEXT,
	is_active INTEGER NOT NULL DEFAULT 1,
	usage_count INTEGER NOT NULL DEFAULT 0,
	max_usage INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	detail TEXT,
	event_time INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// NewSQLiteStore opens (and if needed creates) the relational store under
// dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "warden.db")

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Devices ---

func (s *SQLiteStore) CreateDevice(ctx context.Context, d *types.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, public_key, platform, version, last_seen, status,
			enrollment_token, mac_address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.PublicKey, d.Platform, d.Version, d.LastSeen, d.Status,
		nullable(d.EnrollmentToken), nullable(d.MACAddress), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("device %s: %w", d.ID, ErrDuplicate)
		}
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	return s.scanDevice(s.db.QueryRowContext(ctx, `
		SELECT id, public_key, platform, version, last_seen, status,
			enrollment_token, mac_address, created_at, updated_at
		FROM devices WHERE id = ?`, id))
}

func (s *SQLiteStore) GetDeviceByMAC(ctx context.Context, mac string) (*types.Device, error) {
	return s.scanDevice(s.db.QueryRowContext(ctx, `
		SELECT id, public_key, platform, version, last_seen, status,
			enrollment_token, mac_address, created_at, updated_at
		FROM devices WHERE mac_address = ?`, mac))
}

func (s *SQLiteStore) scanDevice(row *sql.Row) (*types.Device, error) {
	var d types.Device
	var token, mac sql.NullString
	err := row.Scan(&d.ID, &d.PublicKey, &d.Platform, &d.Version, &d.LastSeen,
		&d.Status, &token, &mac, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.EnrollmentToken = token.String
	d.MACAddress = mac.String
	return &d, nil
}

func (s *SQLiteStore) UpdateDevice(ctx context.Context, id string, upd types.DeviceUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if upd.LastSeen != nil {
		sets = append(sets, "last_seen = ?")
		args = append(args, *upd.LastSeen)
	}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Version != nil {
		sets = append(sets, "version = ?")
		args = append(args, *upd.Version)
	}
	if upd.PublicKey != nil {
		sets = append(sets, "public_key = ?")
		args = append(args, *upd.PublicKey)
	}
	if upd.EnrollmentToken != nil {
		sets = append(sets, "enrollment_token = ?")
		args = append(args, *upd.EnrollmentToken)
	}
	if upd.Platform != nil {
		sets = append(sets, "platform = ?")
		args = append(args, *upd.Platform)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE devices SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context, offset, limit int) ([]*types.Device, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count devices: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, public_key, platform, version, last_seen, status,
			enrollment_token, mac_address, created_at, updated_at
		FROM devices ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*types.Device
	for rows.Next() {
		var d types.Device
		var token, mac sql.NullString
		if err := rows.Scan(&d.ID, &d.PublicKey, &d.Platform, &d.Version, &d.LastSeen,
			&d.Status, &token, &mac, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan device: %w", err)
		}
		d.EnrollmentToken = token.String
		d.MACAddress = mac.String
		devices = append(devices, &d)
	}
	return devices, total, rows.Err()
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_states WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("delete task states: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM task_logs WHERE task_id IN (SELECT id FROM tasks WHERE device_id = ?)`, id); err != nil {
		return fmt.Errorf("delete task logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) MarkDevicesOffline(ctx context.Context, lastSeenBefore int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = ?, updated_at = ?
		WHERE status = ? AND last_seen < ?`,
		types.DeviceOffline, time.Now().UTC(), types.DeviceOnline, lastSeenBefore)
	if err != nil {
		return 0, fmt.Errorf("mark offline: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CountDevices(ctx context.Context) ([]types.DeviceCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, status, COUNT(*) FROM devices GROUP BY platform, status`)
	if err != nil {
		return nil, fmt.Errorf("count devices: %w", err)
	}
	defer rows.Close()

	var counts []types.DeviceCount
	for rows.Next() {
		var c types.DeviceCount
		if err := rows.Scan(&c.Platform, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan device count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// --- Tasks ---

func (s *SQLiteStore) CreateTask(ctx context.Context, t *types.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, device_id, type, desired_state, payload, revision,
			timeout_s, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.DeviceID, t.Type, t.DesiredState, string(t.Payload), t.Revision,
		nullableInt(t.TimeoutS), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s: %w", t.TaskID, ErrDuplicate)
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

const taskColumns = `id, device_id, type, desired_state, payload, revision, timeout_s, created_at, updated_at`

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	return scanTask(row.Scan)
}

func scanTask(scan func(dest ...any) error) (*types.Task, error) {
	var t types.Task
	var payload string
	var timeout sql.NullInt64
	err := scan(&t.TaskID, &t.DeviceID, &t.Type, &t.DesiredState, &payload,
		&t.Revision, &timeout, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Payload = []byte(payload)
	t.TimeoutS = int(timeout.Int64)
	return &t, nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) ListTasksByDevice(ctx context.Context, deviceID string) ([]*types.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE device_id = ? ORDER BY created_at ASC`, deviceID)
}

// CancelTask flips desired_state to canceled and bumps the revision in one
// statement, then returns the updated row.
func (s *SQLiteStore) CancelTask(ctx context.Context, taskID string) (*types.Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET desired_state = ?, revision = revision + 1, updated_at = ?
		WHERE id = ?`, types.TaskCanceled, time.Now().UTC(), taskID)
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetTask(ctx, taskID)
}

// TasksToSend selects tasks still wanted on the device: not canceled and
// without a terminal reported state.
func (s *SQLiteStore) TasksToSend(ctx context.Context, deviceID string) ([]*types.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE device_id = ? AND desired_state != ?
		AND id NOT IN (
			SELECT task_id FROM task_states
			WHERE device_id = ? AND state IN (?, ?, ?)
		)
		ORDER BY created_at ASC`,
		deviceID, types.TaskCanceled, deviceID,
		types.TaskSucceeded, types.TaskFailed, types.TaskCanceled)
}

// CancelsToSend selects canceled tasks whose cancellation the agent has not
// confirmed yet.
func (s *SQLiteStore) CancelsToSend(ctx context.Context, deviceID string) ([]*types.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE device_id = ? AND desired_state = ?
		AND id NOT IN (
			SELECT task_id FROM task_states WHERE device_id = ? AND state = ?
		)
		ORDER BY created_at ASC`,
		deviceID, types.TaskCanceled, deviceID, types.TaskCanceled)
}

func (s *SQLiteStore) GetTaskState(ctx context.Context, taskID, deviceID string) (*types.TaskStateRow, error) {
	var row types.TaskStateRow
	var errStr sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, device_id, state, progress, output_cursor, error, updated_at
		FROM task_states WHERE task_id = ? AND device_id = ?`, taskID, deviceID).
		Scan(&row.TaskID, &row.DeviceID, &row.State, &row.Progress,
			&row.OutputCursor, &errStr, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task state: %w", err)
	}
	row.Error = errStr.String
	return &row, nil
}

// UpsertTaskState writes the reported state. The conflict guard enforces
// two invariants inside a single statement, so concurrent reports cannot
// race past them: a terminal state never regresses to a non-terminal one,
// and the output cursor never moves backwards.
func (s *SQLiteStore) UpsertTaskState(ctx context.Context, row *types.TaskStateRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_states (task_id, device_id, state, progress, output_cursor, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, device_id) DO UPDATE SET
			state = excluded.state,
			progress = excluded.progress,
			output_cursor = MAX(task_states.output_cursor, excluded.output_cursor),
			error = excluded.error,
			updated_at = excluded.updated_at
		WHERE NOT (
			task_states.state IN ('succeeded', 'failed', 'canceled')
			AND excluded.state NOT IN ('succeeded', 'failed', 'canceled')
		)`,
		row.TaskID, row.DeviceID, row.State, row.Progress, row.OutputCursor,
		nullable(row.Error), row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert task state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendTaskLog(ctx context.Context, taskID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, content, created_at) VALUES (?, ?, ?)`,
		taskID, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTaskLogs(ctx context.Context, taskID string) ([]*types.TaskLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, content, created_at FROM task_logs
		WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	defer rows.Close()

	var logs []*types.TaskLog
	for rows.Next() {
		var l types.TaskLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Content, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// --- Configurations ---

// UpsertConfiguration replaces the layer for (scope, target_id). Global
// rows store an empty target_id rather than NULL: SQLite treats NULLs as
// distinct in unique indexes, so a NULL target would never conflict and
// every global upsert would insert a new row.
func (s *SQLiteStore) UpsertConfiguration(ctx context.Context, c *types.Configuration) (*types.Configuration, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO configurations (scope, target_id, content, created_at, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, target_id) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by`,
		c.Scope, c.TargetID, string(c.Content), now, now, nullable(c.UpdatedBy))
	if err != nil {
		return nil, fmt.Errorf("upsert configuration: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope, target_id, content, created_at, updated_at, updated_by
		FROM configurations WHERE scope = ? AND target_id = ?`,
		c.Scope, c.TargetID)
	return scanConfiguration(row.Scan)
}

func scanConfiguration(scan func(dest ...any) error) (*types.Configuration, error) {
	var c types.Configuration
	var target, updatedBy sql.NullString
	var content string
	err := scan(&c.ID, &c.Scope, &target, &content, &c.CreatedAt, &c.UpdatedAt, &updatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan configuration: %w", err)
	}
	c.TargetID = target.String
	c.UpdatedBy = updatedBy.String
	c.Content = []byte(content)
	return &c, nil
}

func (s *SQLiteStore) GetConfiguration(ctx context.Context, id int64) (*types.Configuration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope, target_id, content, created_at, updated_at, updated_by
		FROM configurations WHERE id = ?`, id)
	return scanConfiguration(row.Scan)
}

func (s *SQLiteStore) ListConfigurations(ctx context.Context) ([]*types.Configuration, error) {
	return s.queryConfigurations(ctx, `
		SELECT id, scope, target_id, content, created_at, updated_at, updated_by
		FROM configurations ORDER BY id ASC`)
}

func (s *SQLiteStore) queryConfigurations(ctx context.Context, query string, args ...any) ([]*types.Configuration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query configurations: %w", err)
	}
	defer rows.Close()

	var configs []*types.Configuration
	for rows.Next() {
		c, err := scanConfiguration(rows.Scan)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (s *SQLiteStore) DeleteConfiguration(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM configurations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete configuration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConfigLayers returns the rows that apply to a device in merge order:
// global first, then the token layer, then the device layer.
func (s *SQLiteStore) ConfigLayers(ctx context.Context, token, deviceID string) ([]*types.Configuration, error) {
	return s.queryConfigurations(ctx, `
		SELECT id, scope, target_id, content, created_at, updated_at, updated_by
		FROM configurations
		WHERE scope = 'global'
		   OR (scope = 'token' AND target_id = ?)
		   OR (scope = 'device' AND target_id = ?)
		ORDER BY CASE scope WHEN 'global' THEN 0 WHEN 'token' THEN 1 ELSE 2 END`,
		token, deviceID)
}

// --- Enrollment tokens (admin view) ---

func (s *SQLiteStore) SaveTokenRow(ctx context.Context, t *types.EnrollmentToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollment_tokens (token, description, created_by, created_at,
			expires_at, used_at, used_by_device, is_active, usage_count, max_usage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET
			description = excluded.description,
			expires_at = excluded.expires_at,
			used_at = excluded.used_at,
			used_by_device = excluded.used_by_device,
			is_active = excluded.is_active,
			usage_count = excluded.usage_count,
			max_usage = excluded.max_usage`,
		t.Token, nullable(t.Description), nullable(t.CreatedBy), t.CreatedAt,
		t.ExpiresAt, t.UsedAt, nullable(t.UsedByDevice), t.IsActive, t.UsageCount, t.MaxUsage)
	if err != nil {
		return fmt.Errorf("save token row: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTokenRows(ctx context.Context) ([]*types.EnrollmentToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, description, created_by, created_at, expires_at,
			used_at, used_by_device, is_active, usage_count, max_usage
		FROM enrollment_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list token rows: %w", err)
	}
	defer rows.Close()

	var tokens []*types.EnrollmentToken
	for rows.Next() {
		var t types.EnrollmentToken
		var desc, createdBy, usedBy sql.NullString
		var expiresAt, usedAt sql.NullTime
		if err := rows.Scan(&t.Token, &desc, &createdBy, &t.CreatedAt, &expiresAt,
			&usedAt, &usedBy, &t.IsActive, &t.UsageCount, &t.MaxUsage); err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		t.Description = desc.String
		t.CreatedBy = createdBy.String
		t.UsedByDevice = usedBy.String
		if expiresAt.Valid {
			exp := expiresAt.Time
			t.ExpiresAt = &exp
		}
		if usedAt.Valid {
			used := usedAt.Time
			t.UsedAt = &used
		}
		t.Used = t.UsageCount >= t.MaxUsage
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) DeleteTokenRow(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM enrollment_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("delete token row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Sessions ---

func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *types.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, device_id, status, created_at, expires_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			expires_at = excluded.expires_at,
			last_activity = excluded.last_activity`,
		sess.ID, sess.DeviceID, sess.Status, sess.CreatedAt, sess.ExpiresAt, sess.LastActivity)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// --- Audit ---

func (s *SQLiteStore) InsertAuditEvents(ctx context.Context, events []types.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_logs (device_id, kind, detail, event_time, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			e.DeviceID, e.Kind, string(e.Detail), e.Timestamp, now); err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
	}
	return tx.Commit()
}

// ListAuditEvents returns the newest events, optionally filtered by device.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, deviceID string, limit int) ([]types.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT device_id, kind, detail, event_time FROM audit_logs`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY event_time DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEvent
	for rows.Next() {
		var e types.AuditEvent
		var detail sql.NullString
		if err := rows.Scan(&e.DeviceID, &e.Kind, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if detail.Valid && detail.String != "" {
			e.Detail = []byte(detail.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
