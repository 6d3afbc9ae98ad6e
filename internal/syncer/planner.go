package syncer

import "example.com/fitsync/internal/domain"

type entityKey struct {
	Type    domain.EntityType
	LocalID int64
}

// group is the queued history of one entity, oldest entry first.
type group struct {
	key     entityKey
	entries []domain.SyncQueueEntry
}

func (g group) ids() []int64 {
	out := make([]int64, len(g.entries))
	for i, e := range g.entries {
		out[i] = e.ID
	}
	return out
}

// inDoubt reports whether a CREATE of the group may exist remotely without
// the engine knowing its global id. Any entry counts: an UPDATE promoted to a
// CREATE after a rejection carries the call's op id.
func (g group) inDoubt() (ambiguous, dispatched bool) {
	for _, e := range g.entries {
		if e.Operation == domain.OpDelete {
			continue
		}
		ambiguous = ambiguous || e.Ambiguous
		dispatched = dispatched || e.Dispatched
	}
	return ambiguous, dispatched
}

// createOpID is the op id a CREATE for the group is sent under: the first
// CREATE, or the oldest entry when the CREATE was rejected earlier.
func (g group) createOpID() string {
	for _, e := range g.entries {
		if e.Operation == domain.OpCreate {
			return e.OpID
		}
	}
	return g.entries[0].OpID
}

func (g group) maxAttempts() int {
	n := 0
	for _, e := range g.entries {
		if e.Attempts > n {
			n = e.Attempts
		}
	}
	return n
}

// groupEntries buckets the log per entity. Groups are ordered by their
// oldest entry, so a parent created before its child is always visited
// first.
func groupEntries(entries []domain.SyncQueueEntry) []group {
	index := make(map[entityKey]int)
	var out []group
	for _, e := range entries {
		key := entityKey{Type: e.EntityType, LocalID: e.LocalEntityID}
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, group{key: key})
		}
		out[i].entries = append(out[i].entries, e)
	}
	return out
}

type actionKind int

const (
	// actWait leaves the group queued: a CREATE in doubt waits for a pull to
	// link it.
	actWait actionKind = iota
	// actAnnihilate drops a CREATE..DELETE history that never reached the
	// server.
	actAnnihilate
	// actDiscard drops entries of a row that vanished through a local
	// cascade; the server applies the same cascade.
	actDiscard
	actCreate
	actUpdate
	actDelete
)

func (k actionKind) String() string {
	switch k {
	case actWait:
		return "wait"
	case actAnnihilate:
		return "annihilate"
	case actDiscard:
		return "discard"
	case actCreate:
		return "create"
	case actUpdate:
		return "update"
	case actDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func (k actionKind) operation() domain.Operation {
	switch k {
	case actCreate:
		return domain.OpCreate
	case actDelete:
		return domain.OpDelete
	default:
		return domain.OpUpdate
	}
}

// action is the single logical mutation a group reduces to.
type action struct {
	kind     actionKind
	opID     string
	globalID int64
	// payload holds local reference ids; it is rewritten at send time.
	payload   domain.Fields
	consume   []int64
	coalesced int
	// orphan marks a CREATE replayed for a row deleted locally; acceptance
	// only yields the global id its DELETE needs.
	orphan bool
}

// decide reduces a group to one action given the entity's current row
// (nil when the row no longer exists). idempotentCreate tells whether the
// remote deduplicates a CREATE resent under the same op id.
func decide(g group, row *domain.Row, idempotentCreate bool) (action, error) {
	ids := g.ids()
	ambiguous, dispatched := g.inDoubt()

	var lastDelete *domain.SyncQueueEntry
	for i := range g.entries {
		if g.entries[i].Operation == domain.OpDelete {
			lastDelete = &g.entries[i]
		}
	}

	if row == nil {
		switch {
		case lastDelete != nil && lastDelete.GlobalID != nil:
			return action{kind: actDelete, opID: lastDelete.OpID, globalID: *lastDelete.GlobalID, consume: ids, coalesced: len(ids) - 1}, nil
		case lastDelete == nil:
			return action{kind: actDiscard, consume: ids}, nil
		case ambiguous, dispatched && !idempotentCreate:
			// A pull that links the record rebinds the DELETE.
			return action{kind: actWait}, nil
		case dispatched:
			return orphanCreate(g)
		default:
			return action{kind: actAnnihilate, consume: ids}, nil
		}
	}

	payload, err := latestPayload(g, row)
	if err != nil {
		return action{}, err
	}

	if row.GlobalID == nil {
		if ambiguous || (dispatched && !idempotentCreate) {
			return action{kind: actWait}, nil
		}
		return action{kind: actCreate, opID: g.createOpID(), payload: payload, consume: ids, coalesced: len(ids) - 1}, nil
	}

	return action{
		kind:      actUpdate,
		opID:      g.entries[len(g.entries)-1].OpID,
		globalID:  *row.GlobalID,
		payload:   payload,
		consume:   ids,
		coalesced: len(ids) - 1,
	}, nil
}

// orphanCreate replays the CREATE of a deleted row under its original op id.
// The DELETE entries stay queued until the replay returns the global id.
func orphanCreate(g group) (action, error) {
	payload, err := latestPayload(g, nil)
	if err != nil {
		return action{}, err
	}
	var consume []int64
	for _, e := range g.entries {
		if e.Operation != domain.OpDelete {
			consume = append(consume, e.ID)
		}
	}
	return action{
		kind:      actCreate,
		opID:      g.createOpID(),
		payload:   payload,
		consume:   consume,
		coalesced: len(consume) - 1,
		orphan:    true,
	}, nil
}

// latestPayload returns the state captured by the newest CREATE or UPDATE,
// falling back to the row itself.
func latestPayload(g group, row *domain.Row) (domain.Fields, error) {
	for i := len(g.entries) - 1; i >= 0; i-- {
		e := g.entries[i]
		if e.Operation == domain.OpDelete {
			continue
		}
		return domain.DecodeFields(e.Payload)
	}
	if row == nil {
		return domain.Fields{}, nil
	}
	return row.Fields.Clone(), nil
}
