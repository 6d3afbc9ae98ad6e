package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/remote"
	"example.com/fitsync/internal/store"
)

// drain sends queued mutations in creation order. Each round re-reads the
// log, so entries recorded during the pass and children unblocked by a
// parent synced earlier in the pass are picked up.
func (e *Engine) drain(ctx context.Context, p *pass) error {
	for round := 0; round < maxDrainRounds; round++ {
		entries, err := e.store.Entries(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fatal("read queue", err)
		}

		progress := 0
		deferred := 0
		for _, g := range groupEntries(entries) {
			if _, failed := p.failed[g.key]; failed {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := e.processGroup(ctx, p, g)
			if err != nil {
				return err
			}
			switch res {
			case groupDone:
				progress++
			case groupDeferred:
				deferred++
			case groupStop:
				p.stopped = true
				return nil
			}
		}
		p.report.Deferred = deferred
		if progress == 0 {
			return nil
		}
	}
	return nil
}

type groupResult int

const (
	groupDone groupResult = iota
	groupDeferred
	groupHeld
	groupStop
)

// processGroup plans, sends and settles one entity's queued history.
func (e *Engine) processGroup(ctx context.Context, p *pass, g group) (groupResult, error) {
	desc, err := e.registry.Lookup(g.key.Type)
	if err != nil {
		return 0, fatal("lookup entity type", err)
	}

	var (
		act   action
		body  domain.Fields
		block refBlock
	)
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		row, err := tx.Entity(ctx, desc, g.key.LocalID)
		if err != nil {
			return err
		}
		act, err = decide(g, row, e.cfg.IdempotentCreate)
		if err != nil {
			return err
		}
		switch act.kind {
		case actAnnihilate, actDiscard:
			return tx.DeleteEntries(ctx, act.consume)
		case actCreate, actUpdate:
			body, block, err = e.resolveRefs(ctx, tx, desc, act.payload)
			if err != nil {
				return err
			}
		}
		switch {
		case block.state == refsOrphaned:
			return e.reject(ctx, tx, desc, g, act, kindParentRejected, 0, block.detail())
		case block.state == refsMissing && act.orphan:
			// The parent's DELETE removes the record remotely.
			act = action{kind: actDiscard, consume: g.ids()}
			return tx.DeleteEntries(ctx, act.consume)
		case block.state == refsResolved && act.kind == actCreate:
			return tx.MarkDispatched(ctx, act.consume)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fatal("plan mutation", err)
	}

	switch act.kind {
	case actWait:
		p.report.Ambiguous++
		p.failed[g.key] = struct{}{}
		return groupHeld, nil
	case actAnnihilate:
		p.report.Annihilated++
		annihilatedCounter.Inc()
		return groupDone, nil
	case actDiscard:
		p.report.Discarded++
		return groupDone, nil
	}
	switch block.state {
	case refsOrphaned:
		p.report.Rejected++
		rejectedCounter.WithLabelValues(kindParentRejected).Inc()
		e.logger.Warn().
			Str("entity_type", string(desc.Type)).
			Int64("local_id", g.key.LocalID).
			Str("parent_type", string(block.parent)).
			Int64("parent_id", block.parentID).
			Msg("parent refused by remote; mutation rejected")
		return groupDone, nil
	case refsPending, refsMissing:
		deferredCounter.Inc()
		return groupDeferred, nil
	}

	if act.orphan {
		e.logger.Info().
			Str("entity_type", string(desc.Type)).
			Int64("local_id", g.key.LocalID).
			Str("op_id", act.opID).
			Msg("replaying create of a deleted entity to forward its delete")
	}
	mutation := remote.Mutation{
		Operation:  act.kind.operation(),
		Resource:   desc.Resource,
		GlobalID:   act.globalID,
		OpID:       act.opID,
		Body:       body,
		Checkpoint: p.checkpoint,
	}
	// Cancellation is honoured between mutations only; a call in flight is
	// bounded by the client's timeout and retry limit.
	result, err := e.client.Send(context.WithoutCancel(ctx), mutation)
	if err != nil {
		return e.settleFailure(ctx, p, desc, g, act, err)
	}

	switch result.Outcome {
	case remote.OutcomeAccepted:
		if err := e.settleAccepted(ctx, desc, g, act, result); err != nil {
			return 0, err
		}
		p.report.Sent++
		p.report.Coalesced += act.coalesced
		sentCounter.WithLabelValues(string(mutation.Operation)).Inc()
		coalescedCounter.Add(float64(act.coalesced))
		return groupDone, nil
	default:
		if err := e.settleRejected(ctx, desc, g, act, result.Rejection); err != nil {
			return 0, err
		}
		p.report.Rejected++
		rejectedCounter.WithLabelValues(result.Rejection.Kind).Inc()
		e.logger.Warn().
			Str("entity_type", string(desc.Type)).
			Int64("local_id", g.key.LocalID).
			Str("operation", string(mutation.Operation)).
			Int("status", result.Rejection.Status).
			Str("kind", result.Rejection.Kind).
			Str("detail", result.Rejection.Detail).
			Msg("mutation rejected by remote")
		return groupDone, nil
	}
}

const kindParentRejected = "parent_rejected"

type refState int

const (
	refsResolved refState = iota
	// refsPending waits for a parent that has not been accepted yet.
	refsPending
	// refsMissing means a required parent no longer exists locally.
	refsMissing
	// refsOrphaned means a parent was refused by the remote and has nothing
	// queued that could still create it.
	refsOrphaned
)

// refBlock names the parent a payload is waiting on.
type refBlock struct {
	state    refState
	parent   domain.EntityType
	parentID int64
}

func (b refBlock) detail() string {
	return fmt.Sprintf("parent %s %d was not accepted by the remote", b.parent, b.parentID)
}

// resolveRefs rewrites local reference ids to the parents' global ids. The
// returned block is zero when every parent is available remotely.
func (e *Engine) resolveRefs(ctx context.Context, tx *store.Tx, desc domain.Descriptor, payload domain.Fields) (domain.Fields, refBlock, error) {
	body := payload.Clone()
	for _, ref := range desc.Refs {
		parentID, ok := payload.Int64(ref.Field)
		if !ok {
			delete(body, ref.Field)
			continue
		}
		parentDesc, err := e.registry.Lookup(ref.Parent)
		if err != nil {
			return nil, refBlock{}, err
		}
		parent, err := tx.Entity(ctx, parentDesc, parentID)
		if err != nil {
			return nil, refBlock{}, err
		}
		block := refBlock{parent: ref.Parent, parentID: parentID}
		if parent == nil {
			// Optional parents deleted locally are nulled by the local
			// cascade; the payload may predate that.
			if ref.Required {
				block.state = refsMissing
				return nil, block, nil
			}
			delete(body, ref.Field)
			continue
		}
		if parent.GlobalID == nil {
			block.state = refsPending
			if parent.SyncFailed {
				queued, err := tx.EntriesFor(ctx, ref.Parent, parentID)
				if err != nil {
					return nil, refBlock{}, err
				}
				if len(queued) == 0 {
					block.state = refsOrphaned
				}
			}
			return nil, block, nil
		}
		body[ref.Field] = *parent.GlobalID
	}
	return body, refBlock{}, nil
}

// settleAccepted records the remote's acceptance. It runs even when the
// pass is being cancelled: the server has already applied the mutation.
func (e *Engine) settleAccepted(ctx context.Context, desc domain.Descriptor, g group, act action, result remote.Result) error {
	ctx = context.WithoutCancel(ctx)
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteEntries(ctx, act.consume); err != nil {
			return err
		}
		switch act.kind {
		case actCreate:
			row, err := tx.Entity(ctx, desc, g.key.LocalID)
			if err != nil {
				return err
			}
			if row == nil {
				// Deleted locally while the CREATE was in flight.
				return rebindDeletes(ctx, tx, desc.Type, g.key.LocalID, result.GlobalID)
			}
			if err := tx.SetGlobalID(ctx, desc, g.key.LocalID, result.GlobalID); err != nil {
				return err
			}
			if result.Replayed {
				// An earlier attempt created the record, possibly with an
				// older payload; queue the current state as an update.
				payload, err := act.payload.Encode()
				if err != nil {
					return err
				}
				_, err = tx.AppendEntry(ctx, domain.SyncQueueEntry{
					OpID:          uuid.NewString(),
					EntityType:    desc.Type,
					LocalEntityID: g.key.LocalID,
					Operation:     domain.OpUpdate,
					Payload:       payload,
				})
				return err
			}
		case actUpdate:
			return tx.SetSyncFailed(ctx, desc, g.key.LocalID, false)
		}
		return nil
	})
	return fatal("settle accepted mutation", err)
}

func (e *Engine) settleRejected(ctx context.Context, desc domain.Descriptor, g group, act action, rej *remote.Rejection) error {
	if rej == nil {
		rej = &remote.Rejection{Kind: "rejected"}
	}
	ctx = context.WithoutCancel(ctx)
	return fatal("settle rejected mutation", e.store.WithTx(ctx, func(tx *store.Tx) error {
		return e.reject(ctx, tx, desc, g, act, rej.Kind, rej.Status, rej.Detail)
	}))
}

// reject moves a group into the rejections table and flags the entity as
// unsynced. Local state is kept.
func (e *Engine) reject(ctx context.Context, tx *store.Tx, desc domain.Descriptor, g group, act action, kind string, status int, detail string) error {
	payload := []byte("{}")
	if act.payload != nil {
		raw, err := act.payload.Encode()
		if err != nil {
			return err
		}
		payload = raw
	}
	opID := act.opID
	if opID == "" {
		opID = g.entries[0].OpID
	}
	if err := tx.InsertRejection(ctx, domain.Rejection{
		OpID:          opID,
		EntityType:    desc.Type,
		LocalEntityID: g.key.LocalID,
		Operation:     act.kind.operation(),
		Payload:       payload,
		Kind:          kind,
		Status:        status,
		Detail:        detail,
	}); err != nil {
		return err
	}
	if err := tx.DeleteEntries(ctx, act.consume); err != nil {
		return err
	}
	if act.kind == actDelete {
		return nil
	}
	return tx.SetSyncFailed(ctx, desc, g.key.LocalID, true)
}

// settleFailure records a failed call. It runs even when the pass is being
// cancelled: the call may have been applied.
func (e *Engine) settleFailure(ctx context.Context, p *pass, desc domain.Descriptor, g group, act action, sendErr error) (groupResult, error) {
	ctx = context.WithoutCancel(ctx)
	ce, ok := remote.AsCallError(sendErr)
	if !ok {
		if errors.Is(sendErr, remote.ErrProtocol) {
			ce = &remote.CallError{Class: remote.ClassTransient, Err: sendErr}
		} else {
			return 0, fatal("send mutation", sendErr)
		}
	}

	log := e.logger.Warn().Err(sendErr).
		Str("entity_type", string(desc.Type)).
		Int64("local_id", g.key.LocalID).
		Str("operation", string(act.kind.operation()))

	p.failed[g.key] = struct{}{}
	// A response the client could not decode was still produced by the
	// remote, so the CREATE may have been applied.
	inDoubt := act.kind == actCreate && (ce.Ambiguous() || errors.Is(sendErr, remote.ErrProtocol))
	ambiguous := inDoubt && !e.cfg.IdempotentCreate
	counts := ce.Class == remote.ClassTransient || ce.Class == remote.ClassTimeout || ce.Ambiguous()
	quarantine := counts && g.maxAttempts()+1 >= e.cfg.MaxAttempts

	if counts || act.kind == actCreate {
		err := e.store.WithTx(ctx, func(tx *store.Tx) error {
			if act.kind == actCreate && !inDoubt {
				if err := tx.ClearDispatched(ctx, act.consume); err != nil {
					return err
				}
			}
			switch {
			case quarantine:
				detail := fmt.Sprintf("gave up after %d attempts: %v", g.maxAttempts()+1, sendErr)
				return e.reject(ctx, tx, desc, g, act, "max_attempts", ce.StatusCode, detail)
			case counts:
				return tx.MarkAttempt(ctx, act.consume, sendErr.Error(), ambiguous)
			}
			return nil
		})
		if err != nil {
			return 0, fatal("record attempt", err)
		}
		if quarantine {
			p.report.Quarantined++
			rejectedCounter.WithLabelValues("max_attempts").Inc()
			log.Msg("mutation quarantined")
			return groupDone, nil
		}
	}

	retryableCounter.WithLabelValues(ce.Class.String()).Inc()
	if ce.StopsDrain() {
		log.Msg("remote unreachable; stopping drain")
		p.report.Unreachable = ce.Class == remote.ClassConnectivity
		p.report.Retryable++
		return groupStop, nil
	}
	if ambiguous {
		p.report.Ambiguous++
	}
	p.report.Retryable++
	log.Msg("retryable failure; entry left queued")
	return groupHeld, nil
}

// rebindDeletes replaces DELETE entries recorded without a global id for an
// entity that has just been accepted remotely.
func rebindDeletes(ctx context.Context, tx *store.Tx, entityType domain.EntityType, localID, globalID int64) error {
	pending, err := tx.EntriesFor(ctx, entityType, localID)
	if err != nil {
		return err
	}
	var stale []int64
	for _, entry := range pending {
		if entry.Operation == domain.OpDelete && entry.GlobalID == nil {
			stale = append(stale, entry.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := tx.DeleteEntries(ctx, stale); err != nil {
		return err
	}
	gid := globalID
	_, err = tx.AppendEntry(ctx, domain.SyncQueueEntry{
		OpID:          uuid.NewString(),
		EntityType:    entityType,
		LocalEntityID: localID,
		Operation:     domain.OpDelete,
		GlobalID:      &gid,
	})
	return err
}
