// Package recorder writes entity changes and their mutation log entries in
// one local transaction.
package recorder

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/store"
)

// Recorder is the only write path the application uses for syncable entities.
type Recorder struct {
	store    *store.Store
	registry *domain.Registry
	logger   zerolog.Logger
	newOpID  func() string
}

// New constructs a Recorder.
func New(st *store.Store, registry *domain.Registry, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:    st,
		registry: registry,
		logger:   logger.With().Str("component", "recorder").Logger(),
		newOpID:  uuid.NewString,
	}
}

// RecordCreate inserts the entity and appends a CREATE entry.
func (r *Recorder) RecordCreate(ctx context.Context, e domain.Entity) (int64, error) {
	desc, fields, err := r.prepare(e)
	if err != nil {
		return 0, err
	}
	payload, err := fields.Encode()
	if err != nil {
		return 0, err
	}

	var localID int64
	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		id, err := tx.InsertEntity(ctx, desc, fields, nil, tx.Now())
		if err != nil {
			return err
		}
		localID = id
		_, err = tx.AppendEntry(ctx, domain.SyncQueueEntry{
			OpID:          r.newOpID(),
			EntityType:    desc.Type,
			LocalEntityID: id,
			Operation:     domain.OpCreate,
			Payload:       payload,
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	recordedCounter.WithLabelValues(string(domain.OpCreate)).Inc()
	r.logger.Debug().Str("entity_type", string(desc.Type)).Int64("local_id", localID).Msg("recorded create")
	return localID, nil
}

// RecordUpdate replaces the entity's state and appends an UPDATE entry.
func (r *Recorder) RecordUpdate(ctx context.Context, localID int64, e domain.Entity) error {
	desc, fields, err := r.prepare(e)
	if err != nil {
		return err
	}
	payload, err := fields.Encode()
	if err != nil {
		return err
	}

	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpdateEntity(ctx, desc, localID, fields, tx.Now()); err != nil {
			return err
		}
		_, err := tx.AppendEntry(ctx, domain.SyncQueueEntry{
			OpID:          r.newOpID(),
			EntityType:    desc.Type,
			LocalEntityID: localID,
			Operation:     domain.OpUpdate,
			Payload:       payload,
		})
		return err
	})
	if err != nil {
		return err
	}

	recordedCounter.WithLabelValues(string(domain.OpUpdate)).Inc()
	r.logger.Debug().Str("entity_type", string(desc.Type)).Int64("local_id", localID).Msg("recorded update")
	return nil
}

// RecordDelete removes the entity and appends a DELETE entry carrying the
// entity's global id, if it has one.
func (r *Recorder) RecordDelete(ctx context.Context, entityType domain.EntityType, localID int64) error {
	desc, err := r.registry.Lookup(entityType)
	if err != nil {
		return err
	}

	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		row, err := tx.Entity(ctx, desc, localID)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("%w: %s %d", domain.ErrEntityNotFound, entityType, localID)
		}
		if _, err := tx.DeleteEntity(ctx, desc, localID); err != nil {
			return err
		}
		_, err = tx.AppendEntry(ctx, domain.SyncQueueEntry{
			OpID:          r.newOpID(),
			EntityType:    desc.Type,
			LocalEntityID: localID,
			Operation:     domain.OpDelete,
			GlobalID:      row.GlobalID,
		})
		return err
	})
	if err != nil {
		return err
	}

	recordedCounter.WithLabelValues(string(domain.OpDelete)).Inc()
	r.logger.Debug().Str("entity_type", string(entityType)).Int64("local_id", localID).Msg("recorded delete")
	return nil
}

func (r *Recorder) prepare(e domain.Entity) (domain.Descriptor, domain.Fields, error) {
	if e == nil {
		return domain.Descriptor{}, nil, fmt.Errorf("%w: nil entity", domain.ErrUnknownEntityType)
	}
	desc, err := r.registry.Lookup(e.EntityType())
	if err != nil {
		return domain.Descriptor{}, nil, err
	}
	if err := domain.Validate(e); err != nil {
		return domain.Descriptor{}, nil, fmt.Errorf("invalid %s: %w", desc.Type, err)
	}
	fields, err := domain.FieldsOf(e)
	if err != nil {
		return domain.Descriptor{}, nil, err
	}
	return desc, fields, nil
}
