package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"example.com/fitsync/internal/domain"
)

// Options tunes the service.
type Options struct {
	// CheckpointLag is subtracted from the server clock when issuing
	// checkpoints so writes committing concurrently with a list are seen by
	// the next pull.
	CheckpointLag time.Duration
	MaxPageSize   int
}

// Page is one list response.
type Page struct {
	Records    []Record
	HasMore    bool
	Checkpoint domain.Checkpoint
}

// Service implements the resource operations.
type Service struct {
	repo     Repository
	registry *domain.Registry
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, registry *domain.Registry, opts Options, logger zerolog.Logger) *Service {
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 500
	}
	return &Service{
		repo:     repo,
		registry: registry,
		opts:     opts,
		logger:   logger.With().Str("component", "backend").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Registry exposes the entity registry.
func (s *Service) Registry() *domain.Registry {
	return s.registry
}

// Create stores a new record. A non-empty idempotency key that matches an
// earlier create of the same account and type returns that record with
// replay set.
func (s *Service) Create(ctx context.Context, accountID string, desc domain.Descriptor, fields domain.Fields, idempotencyKey string) (Record, bool, error) {
	normalized, err := s.normalize(desc, fields)
	if err != nil {
		return Record{}, false, err
	}

	out, replay, err := s.create(ctx, accountID, desc, normalized, idempotencyKey)
	if errors.Is(err, ErrDuplicateClientRef) {
		out, replay, err = s.create(ctx, accountID, desc, normalized, idempotencyKey)
	}
	if err != nil {
		return Record{}, false, err
	}
	if replay {
		s.logger.Debug().Str("account", accountID).Str("type", string(desc.Type)).Int64("id", out.ID).Msg("create replayed")
	}
	return out, replay, nil
}

func (s *Service) create(ctx context.Context, accountID string, desc domain.Descriptor, normalized domain.Fields, idempotencyKey string) (Record, bool, error) {
	var (
		out    Record
		replay bool
	)
	err := s.repo.InTx(ctx, func(tx Tx) error {
		if idempotencyKey != "" {
			existing, err := tx.FindByClientRef(ctx, accountID, desc.Type, idempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				out, replay = *existing, true
				return nil
			}
		}
		if err := s.checkRefs(ctx, tx, accountID, desc, normalized); err != nil {
			return err
		}
		now := s.now()
		rec := Record{
			AccountID:  accountID,
			EntityType: desc.Type,
			ClientRef:  idempotencyKey,
			CreatedAt:  now,
			UpdatedAt:  now,
			Fields:     normalized,
		}
		if err := tx.Insert(ctx, &rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, replay, err
}

// Update replaces the fields of a live record.
func (s *Service) Update(ctx context.Context, accountID string, desc domain.Descriptor, id int64, fields domain.Fields) (Record, error) {
	normalized, err := s.normalize(desc, fields)
	if err != nil {
		return Record{}, err
	}

	var out Record
	err = s.repo.InTx(ctx, func(tx Tx) error {
		rec, err := tx.Get(ctx, accountID, desc.Type, id)
		if err != nil {
			return err
		}
		if rec == nil || rec.Deleted {
			return ErrRecordNotFound
		}
		if err := s.checkRefs(ctx, tx, accountID, desc, normalized); err != nil {
			return err
		}
		rec.Fields = normalized
		rec.UpdatedAt = s.now()
		if err := tx.Update(ctx, *rec, ChangeUpdated); err != nil {
			return err
		}
		out = *rec
		return nil
	})
	return out, err
}

// Delete soft-deletes a record. Children holding a required reference are
// deleted with it; optional references to it are cleared. Deleting an
// already-deleted record succeeds.
func (s *Service) Delete(ctx context.Context, accountID string, desc domain.Descriptor, id int64) error {
	return s.repo.InTx(ctx, func(tx Tx) error {
		rec, err := tx.Get(ctx, accountID, desc.Type, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrRecordNotFound
		}
		if rec.Deleted {
			return nil
		}
		return s.cascadeDelete(ctx, tx, *rec, s.now())
	})
}

func (s *Service) cascadeDelete(ctx context.Context, tx Tx, rec Record, at time.Time) error {
	for _, child := range s.registry.Children(rec.EntityType) {
		dependents, err := tx.Referencing(ctx, rec.AccountID, child.Descriptor.Type, child.Ref.Field, rec.ID)
		if err != nil {
			return err
		}
		for _, dep := range dependents {
			if child.Ref.Required {
				if err := s.cascadeDelete(ctx, tx, dep, at); err != nil {
					return err
				}
				continue
			}
			dep.Fields = dep.Fields.Clone()
			delete(dep.Fields, child.Ref.Field)
			dep.UpdatedAt = at
			if err := tx.Update(ctx, dep, ChangeUpdated); err != nil {
				return err
			}
		}
	}
	rec.Deleted = true
	rec.UpdatedAt = at
	return tx.Update(ctx, rec, ChangeDeleted)
}

// List returns records of desc changed after q.ChangedAfter, ordered by id,
// with the checkpoint the client should send next time.
func (s *Service) List(ctx context.Context, accountID string, desc domain.Descriptor, q ListQuery) (Page, error) {
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Limit <= 0 || q.Limit > s.opts.MaxPageSize {
		q.Limit = s.opts.MaxPageSize
	}
	// Issued before reading so nothing written during the read is skipped.
	checkpoint := domain.CheckpointFromTime(s.now().Add(-s.opts.CheckpointLag))

	records, hasMore, err := s.repo.List(ctx, accountID, desc.Type, q)
	if err != nil {
		return Page{}, err
	}
	return Page{Records: records, HasMore: hasMore, Checkpoint: checkpoint}, nil
}

func (s *Service) normalize(desc domain.Descriptor, fields domain.Fields) (domain.Fields, error) {
	entity, err := domain.Decode(desc, fields)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}
	if err := domain.Validate(entity); err != nil {
		return nil, &ValidationError{Err: err}
	}
	normalized, err := domain.FieldsOf(entity)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", desc.Type, err)
	}
	return normalized, nil
}

func (s *Service) checkRefs(ctx context.Context, tx Tx, accountID string, desc domain.Descriptor, fields domain.Fields) error {
	for _, ref := range desc.Refs {
		parentID, ok := fields.Int64(ref.Field)
		if !ok {
			if ref.Required {
				return &ValidationError{Err: fmt.Errorf("%s is required", ref.Field)}
			}
			continue
		}
		parent, err := tx.Get(ctx, accountID, ref.Parent, parentID)
		if err != nil {
			return err
		}
		if parent == nil || parent.Deleted {
			return fmt.Errorf("%w: %s %d", ErrInvalidReference, ref.Field, parentID)
		}
	}
	return nil
}

// IsValidation reports whether err is a payload validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
