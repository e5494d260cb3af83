// Package audit ingests agent audit batches. Events are opaque to the
// control plane; they are validated for shape, stamped, and persisted for
// the administrator surface.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/burrowhq/warden/pkg/log"
	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/types"
)

// MaxBatch caps one submission.
const MaxBatch = 100

var (
	// ErrEmptyBatch means the submission carried no events.
	ErrEmptyBatch = errors.New("empty audit batch")

	// ErrBatchTooLarge means the submission exceeds MaxBatch events.
	ErrBatchTooLarge = errors.New("audit batch too large")

	// ErrBadEvent means an event is missing its kind.
	ErrBadEvent = errors.New("audit event missing kind")
)

// Ingestor persists audit batches to the relational store.
type Ingestor struct {
	store storage.Store
}

// NewIngestor creates an ingestor over the relational store.
func NewIngestor(store storage.Store) *Ingestor {
	return &Ingestor{store: store}
}

// Ingest validates and stores one batch on behalf of a device. The batch
// is all-or-nothing: a single malformed event rejects the submission so
// the agent can retry the whole batch.
func (i *Ingestor) Ingest(ctx context.Context, deviceID string, batch []types.AuditEvent) error {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}
	if len(batch) > MaxBatch {
		return ErrBatchTooLarge
	}

	now := time.Now().UnixMilli()
	for idx := range batch {
		if batch[idx].Kind == "" {
			return fmt.Errorf("%w: event %d", ErrBadEvent, idx)
		}
		batch[idx].DeviceID = deviceID
		if batch[idx].Timestamp <= 0 {
			batch[idx].Timestamp = now
		}
	}

	if err := i.store.InsertAuditEvents(ctx, batch); err != nil {
		return fmt.Errorf("store audit batch: %w", err)
	}

	wlog := log.WithDeviceID(deviceID)
	wlog.Debug().Int("events", len(batch)).Msg("audit batch ingested")
	return nil
}
