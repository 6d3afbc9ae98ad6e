package syncer

import (
	"context"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/remote"
	"example.com/fitsync/internal/store"
)

// pull fetches every resource changed since the pass checkpoint, parents
// first, and returns the checkpoint to commit: the oldest one issued by any
// response of the pass.
func (e *Engine) pull(ctx context.Context, p *pass) (domain.Checkpoint, error) {
	var next domain.Checkpoint
	for _, desc := range e.registry.Ordered() {
		offset := 0
		for {
			page, err := e.client.Pull(ctx, desc.Resource, remote.PullQuery{
				Offset:    offset,
				Limit:     e.cfg.PageSize,
				StartDate: p.horizon,
				EndDate:   p.checkpoint,
			})
			if err != nil {
				return "", err
			}
			if !page.Checkpoint.IsZero() && (next.IsZero() || next.After(page.Checkpoint)) {
				next = page.Checkpoint
			}
			p.report.Pulled += len(page.Records)

			if len(page.Records) > 0 {
				err = e.store.WithTx(ctx, func(tx *store.Tx) error {
					return e.applyPage(ctx, tx, p, desc, page.Records)
				})
				if err != nil {
					if ctx.Err() != nil {
						return "", ctx.Err()
					}
					return "", fatal("apply "+desc.Resource+" page", err)
				}
			}
			if !page.HasMore || len(page.Records) == 0 {
				break
			}
			offset += len(page.Records)
		}
	}
	return next, nil
}

// applyPage merges remote records into local storage. Entities with queued
// local changes keep their local state; those changes are sent on a later
// drain.
func (e *Engine) applyPage(ctx context.Context, tx *store.Tx, p *pass, desc domain.Descriptor, records []domain.RemoteRecord) error {
	pending, err := tx.PendingLocalIDs(ctx, desc.Type)
	if err != nil {
		return err
	}
	pendingDeletes, err := tx.PendingDeleteGlobalIDs(ctx, desc.Type)
	if err != nil {
		return err
	}

	count := func(result string, n *int) {
		*n++
		pulledCounter.WithLabelValues(desc.Resource, result).Inc()
	}

	for _, rec := range records {
		if _, ok := pendingDeletes[rec.ID]; ok {
			count("skipped", &p.report.Skipped)
			continue
		}
		localID, found, err := tx.LocalIDByGlobal(ctx, desc, rec.ID)
		if err != nil {
			return err
		}
		if found {
			if _, ok := pending[localID]; ok {
				count("skipped", &p.report.Skipped)
				continue
			}
		}

		if rec.Deleted {
			if !found {
				count("skipped", &p.report.Skipped)
				continue
			}
			if _, err := tx.DeleteEntity(ctx, desc, localID); err != nil {
				return err
			}
			count("deleted", &p.report.Applied)
			continue
		}

		if !found {
			linked, err := e.linkClientRef(ctx, tx, desc, rec)
			if err != nil {
				return err
			}
			if linked {
				count("linked", &p.report.Linked)
				continue
			}
		}

		fields, ok, err := e.localizeRefs(ctx, tx, desc, rec.Fields)
		if err != nil {
			return err
		}
		if !ok {
			e.logger.Warn().
				Str("resource", desc.Resource).
				Int64("global_id", rec.ID).
				Msg("remote record references an unknown parent; skipped")
			count("skipped", &p.report.Skipped)
			continue
		}
		updatedAt := rec.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = tx.Now()
		}
		if found {
			err = tx.UpdateEntity(ctx, desc, localID, fields, updatedAt)
		} else {
			gid := rec.ID
			_, err = tx.InsertEntity(ctx, desc, fields, &gid, updatedAt)
		}
		if err != nil {
			return err
		}
		count("applied", &p.report.Applied)
	}
	return nil
}

// linkClientRef binds a remote record to the local row whose CREATE carried
// the record's client reference. This resolves CREATEs whose response was
// lost. The local state is kept; the remaining queue entries are sent as an
// update. A row deleted in the meantime gets its DELETE bound to the record
// instead.
func (e *Engine) linkClientRef(ctx context.Context, tx *store.Tx, desc domain.Descriptor, rec domain.RemoteRecord) (bool, error) {
	if rec.ClientRef == "" {
		return false, nil
	}
	entry, err := tx.EntryByOpID(ctx, rec.ClientRef)
	if err != nil || entry == nil {
		return false, err
	}
	// An UPDATE promoted to a CREATE is sent under its own op id.
	if entry.Operation == domain.OpDelete || entry.EntityType != desc.Type {
		return false, nil
	}
	row, err := tx.Entity(ctx, desc, entry.LocalEntityID)
	if err != nil {
		return false, err
	}
	if row == nil {
		// Deleted locally before the outcome was known.
		return true, rebindDeletes(ctx, tx, desc.Type, entry.LocalEntityID, rec.ID)
	}
	if row.GlobalID != nil {
		return false, nil
	}
	if err := tx.SetGlobalID(ctx, desc, entry.LocalEntityID, rec.ID); err != nil {
		return false, err
	}
	e.logger.Info().
		Str("entity_type", string(desc.Type)).
		Int64("local_id", entry.LocalEntityID).
		Int64("global_id", rec.ID).
		Msg("linked pending create to remote record")
	return true, nil
}

// localizeRefs rewrites reference fields from global to local ids. It
// reports false when a required parent is not present locally.
func (e *Engine) localizeRefs(ctx context.Context, tx *store.Tx, desc domain.Descriptor, fields domain.Fields) (domain.Fields, bool, error) {
	out := fields.Clone()
	for _, ref := range desc.Refs {
		gid, ok := fields.Int64(ref.Field)
		if !ok {
			if ref.Required {
				return nil, false, nil
			}
			delete(out, ref.Field)
			continue
		}
		parentDesc, err := e.registry.Lookup(ref.Parent)
		if err != nil {
			return nil, false, err
		}
		localID, found, err := tx.LocalIDByGlobal(ctx, parentDesc, gid)
		if err != nil {
			return nil, false, err
		}
		if !found {
			if ref.Required {
				return nil, false, nil
			}
			delete(out, ref.Field)
			continue
		}
		out[ref.Field] = localID
	}
	return out, true, nil
}
