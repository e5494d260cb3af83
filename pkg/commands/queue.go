// Package commands implements the priority command queue: one-shot
// imperative instructions delivered to agents on poll and settled by an
// explicit acknowledgement.
//
// Each device has a command index listing its live command ids plus one
// record per command. The index is authoritative for liveness; a record
// whose index entry is gone is unreachable and ages out by TTL.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/burrowhq/warden/pkg/events"
	"github.com/burrowhq/warden/pkg/log"
	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/types"
	"github.com/google/uuid"
)

// Queue defaults.
const (
	DefaultExpiry     = 24 * time.Hour
	DefaultPollLimit  = 10
	MaxPollLimit      = 50
	DefaultMaxRetries = 3
)

var (
	// ErrNotFound means no live command record exists.
	ErrNotFound = errors.New("command not found")

	// ErrForbidden means a device acknowledged a command it does not own.
	ErrForbidden = errors.New("command not owned by device")

	// ErrInvalidType means the command type is outside the enumerated set.
	ErrInvalidType = errors.New("invalid command type")

	// ErrInvalidStatus means an ack carried a status other than
	// completed or failed.
	ErrInvalidStatus = errors.New("invalid ack status")

	// ErrExpired means the command's lifetime elapsed before settlement.
	ErrExpired = errors.New("command expired")
)

// Queue is the per-device priority command queue on the key-value store.
type Queue struct {
	kv     *storage.KV
	broker *events.Broker

	// now is swappable in tests
	now func() time.Time
}

// NewQueue creates a command queue over the shared KV store.
func NewQueue(kv *storage.KV, broker *events.Broker) *Queue {
	return &Queue{kv: kv, broker: broker, now: time.Now}
}

// SetClock overrides the clock; used by tests to expire commands.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue creates a pending command for a device. Zero expiresIn falls
// back to DefaultExpiry; zero maxRetries falls back to DefaultMaxRetries;
// an empty priority becomes normal.
func (q *Queue) Enqueue(deviceID string, cmdType types.CommandType, priority types.Priority, payload json.RawMessage, expiresIn time.Duration, maxRetries int) (*types.Command, error) {
	if !types.ValidCommandType(cmdType) {
		return nil, ErrInvalidType
	}
	if priority == "" {
		priority = types.PriorityNormal
	}
	if expiresIn <= 0 {
		expiresIn = DefaultExpiry
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	now := q.now()
	cmd := &types.Command{
		ID:         "cmd_" + uuid.New().String(),
		DeviceID:   deviceID,
		Type:       cmdType,
		Priority:   priority,
		Payload:    payload,
		Status:     types.CommandPending,
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(expiresIn).UnixMilli(),
		MaxRetries: maxRetries,
	}

	if err := q.putCommand(cmd); err != nil {
		return nil, err
	}

	// The index lives as long as the longest-lived command it could hold:
	// every poll and ack rewrites it, so a stale index means the device is
	// gone and the entry should age out with its records.
	indexTTL := expiresIn
	if indexTTL < DefaultExpiry {
		indexTTL = DefaultExpiry
	}

	// The record is written first so a crash between the two writes leaves
	// an orphan record that ages out, never a dangling index entry.
	err := q.kv.Mutate(storage.BucketCommandIndex, deviceID, func(cur []byte) ([]byte, time.Duration, error) {
		idx := types.CommandIndex{DeviceID: deviceID}
		if cur != nil {
			if err := json.Unmarshal(cur, &idx); err != nil {
				idx = types.CommandIndex{DeviceID: deviceID}
			}
		}
		for _, id := range idx.CommandIDs {
			if id == cmd.ID {
				return cur, indexTTL, nil // already indexed
			}
		}
		idx.CommandIDs = append(idx.CommandIDs, cmd.ID)
		idx.UpdatedAt = now.UnixMilli()
		next, err := json.Marshal(&idx)
		if err != nil {
			return nil, 0, err
		}
		return next, indexTTL, nil
	})
	if err != nil {
		return nil, fmt.Errorf("index command: %w", err)
	}

	q.publish(events.EventCommandEnqueued, cmd)
	return cmd, nil
}

// Poll returns up to limit pending commands for a device in priority
// order (urgent first, oldest first within a priority) and marks them
// delivered. Delivered commands stay in the index until acknowledged, so
// an agent that crashes mid-execution sees them again as delivered on the
// next poll of its admin surface, and the expiry sweep eventually retires
// them.
func (q *Queue) Poll(deviceID string, limit int) ([]*types.Command, error) {
	if limit <= 0 {
		limit = DefaultPollLimit
	}
	if limit > MaxPollLimit {
		limit = MaxPollLimit
	}

	idx, err := q.loadIndex(deviceID)
	if err != nil {
		return nil, err
	}
	if idx == nil || len(idx.CommandIDs) == 0 {
		return nil, nil
	}

	now := q.now().UnixMilli()
	var live []string
	var pending []*types.Command
	for _, id := range idx.CommandIDs {
		cmd, err := q.loadCommand(id)
		if errors.Is(err, ErrNotFound) {
			continue // record aged out; drop from index
		}
		if err != nil {
			return nil, err
		}
		if cmd.ExpiresAt <= now {
			cmd.Status = types.CommandExpired
			if err := q.putCommand(cmd); err != nil {
				wlog := log.WithCommandID(cmd.ID)
				wlog.Warn().Err(err).Msg("mark command expired failed")
			}
			continue
		}
		live = append(live, id)
		if cmd.Status == types.CommandPending {
			pending = append(pending, cmd)
		}
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority.Rank() != pending[j].Priority.Rank() {
			return pending[i].Priority.Rank() < pending[j].Priority.Rank()
		}
		return pending[i].CreatedAt < pending[j].CreatedAt
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	for _, cmd := range pending {
		cmd.Status = types.CommandDelivered
		cmd.DeliveredAt = now
		if err := q.putCommand(cmd); err != nil {
			return nil, err
		}
		q.publish(events.EventCommandDelivered, cmd)
	}

	if err := q.storeIndex(deviceID, live); err != nil {
		wlog := log.WithDeviceID(deviceID)
		wlog.Warn().Err(err).Msg("command index compaction failed")
	}
	return pending, nil
}

// Ack settles a delivered command. Only the owning device may acknowledge,
// status must be completed or failed, and an expired command cannot be
// settled. Settling removes the command from the device index.
func (q *Queue) Ack(commandID, deviceID string, status types.CommandStatus, result json.RawMessage, errMsg string) (*types.Command, error) {
	if status != types.CommandCompleted && status != types.CommandFailed {
		return nil, ErrInvalidStatus
	}

	cmd, err := q.loadCommand(commandID)
	if err != nil {
		return nil, err
	}
	if cmd.DeviceID != deviceID {
		return nil, ErrForbidden
	}
	if cmd.Status == types.CommandExpired || cmd.ExpiresAt <= q.now().UnixMilli() {
		return nil, ErrExpired
	}

	cmd.Status = status
	cmd.CompletedAt = q.now().UnixMilli()
	cmd.Result = result
	cmd.Error = errMsg
	if err := q.putCommand(cmd); err != nil {
		return nil, err
	}

	if err := q.removeFromIndex(deviceID, commandID); err != nil {
		wlog := log.WithCommandID(commandID)
		wlog.Warn().Err(err).Msg("command index removal failed")
	}

	q.publish(events.EventCommandAcked, cmd)
	return cmd, nil
}

// Get returns a command record by id.
func (q *Queue) Get(commandID string) (*types.Command, error) {
	return q.loadCommand(commandID)
}

// ListByDevice returns every live command for a device, newest first.
func (q *Queue) ListByDevice(deviceID string) ([]*types.Command, error) {
	idx, err := q.loadIndex(deviceID)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, nil
	}

	var out []*types.Command
	for _, id := range idx.CommandIDs {
		cmd, err := q.loadCommand(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out, nil
}

func (q *Queue) loadCommand(id string) (*types.Command, error) {
	value, err := q.kv.Get(storage.BucketCommands, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load command: %w", err)
	}
	var cmd types.Command
	if err := json.Unmarshal(value, &cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	return &cmd, nil
}

func (q *Queue) putCommand(cmd *types.Command) error {
	value, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	ttl := time.Duration(cmd.ExpiresAt-q.now().UnixMilli()) * time.Millisecond
	if ttl <= 0 {
		// Settled or expired records stay readable for a day so acks and
		// admin queries do not dangle.
		ttl = DefaultExpiry
	}
	if err := q.kv.Put(storage.BucketCommands, cmd.ID, value, ttl); err != nil {
		return fmt.Errorf("store command: %w", err)
	}
	return nil
}

func (q *Queue) loadIndex(deviceID string) (*types.CommandIndex, error) {
	value, err := q.kv.Get(storage.BucketCommandIndex, deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load command index: %w", err)
	}
	var idx types.CommandIndex
	if err := json.Unmarshal(value, &idx); err != nil {
		return nil, fmt.Errorf("decode command index: %w", err)
	}
	return &idx, nil
}

func (q *Queue) storeIndex(deviceID string, ids []string) error {
	if len(ids) == 0 {
		return q.kv.Delete(storage.BucketCommandIndex, deviceID)
	}
	idx := types.CommandIndex{
		DeviceID:   deviceID,
		CommandIDs: ids,
		UpdatedAt:  q.now().UnixMilli(),
	}
	value, err := json.Marshal(&idx)
	if err != nil {
		return err
	}
	return q.kv.Put(storage.BucketCommandIndex, deviceID, value, DefaultExpiry)
}

func (q *Queue) removeFromIndex(deviceID, commandID string) error {
	return q.kv.Mutate(storage.BucketCommandIndex, deviceID, func(cur []byte) ([]byte, time.Duration, error) {
		if cur == nil {
			return nil, 0, nil
		}
		var idx types.CommandIndex
		if err := json.Unmarshal(cur, &idx); err != nil {
			return nil, 0, err
		}
		kept := idx.CommandIDs[:0]
		for _, id := range idx.CommandIDs {
			if id != commandID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			return nil, 0, nil // delete the empty index
		}
		idx.CommandIDs = kept
		idx.UpdatedAt = q.now().UnixMilli()
		next, err := json.Marshal(&idx)
		if err != nil {
			return nil, 0, err
		}
		return next, DefaultExpiry, nil
	})
}

func (q *Queue) publish(kind events.EventType, cmd *types.Command) {
	if q.broker == nil {
		return
	}
	q.broker.Publish(&events.Event{
		Type:      kind,
		Timestamp: q.now(),
		Metadata: map[string]string{
			"command_id": cmd.ID,
			"device_id":  cmd.DeviceID,
			"type":       string(cmd.Type),
			"priority":   string(cmd.Priority),
		},
	})
}
