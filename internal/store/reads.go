package store

import (
	"context"

	"example.com/fitsync/internal/domain"
)

// Entries returns the mutation log in creation order.
func (s *Store) Entries(ctx context.Context) ([]domain.SyncQueueEntry, error) {
	var out []domain.SyncQueueEntry
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Entries(ctx)
		return err
	})
	return out, err
}

// QueueDepth counts queued mutations.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.QueueDepth(ctx)
		return err
	})
	return n, err
}

// Rejections lists rejected mutations, newest first.
func (s *Store) Rejections(ctx context.Context) ([]domain.Rejection, error) {
	var out []domain.Rejection
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Rejections(ctx)
		return err
	})
	return out, err
}

// Entities lists the rows of one entity table.
func (s *Store) Entities(ctx context.Context, desc domain.Descriptor) ([]domain.Row, error) {
	var out []domain.Row
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Entities(ctx, desc)
		return err
	})
	return out, err
}

// Entity loads one row, or nil when absent.
func (s *Store) Entity(ctx context.Context, desc domain.Descriptor, localID int64) (*domain.Row, error) {
	var out *domain.Row
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Entity(ctx, desc, localID)
		return err
	})
	return out, err
}

// Checkpoint returns the committed checkpoint of an account.
func (s *Store) Checkpoint(ctx context.Context, accountID string) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		cp, err = tx.Checkpoint(ctx, accountID)
		return err
	})
	return cp, err
}

// SaveJob persists a pending run-now request.
func (s *Store) SaveJob(ctx context.Context, name string) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.SaveJob(ctx, name) })
}

// DeleteJob drops a pending run-now request.
func (s *Store) DeleteJob(ctx context.Context, name string) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.DeleteJob(ctx, name) })
}

// PendingJobs lists persisted run-now requests.
func (s *Store) PendingJobs(ctx context.Context) ([]string, error) {
	var out []string
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.PendingJobs(ctx)
		return err
	})
	return out, err
}
