package syncer

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/remote"
)

type fakeRecord struct {
	id        int64
	fields    domain.Fields
	deleted   bool
	clientRef string
	updatedAt time.Time
}

// fakeRemote is an in-memory stand-in for the fitness service. Hooks let a
// test fail or intercept individual calls.
type fakeRemote struct {
	mu      sync.Mutex
	clock   time.Time
	nextID  int64
	records map[string]map[int64]*fakeRecord
	idem    map[string]int64
	calls   []remote.Mutation
	pulls   int

	// beforeSend may return an error to fail the call before it reaches
	// the store.
	beforeSend func(m remote.Mutation) error
	// afterSend may return an error to lose the response of an applied
	// call.
	afterSend func(m remote.Mutation) error
	// reject may refuse a mutation permanently.
	reject func(m remote.Mutation) *remote.Rejection
	// onPull runs before each pull page is served.
	onPull func(resource string) error
}

func newFakeRemote(startID int64) *fakeRemote {
	return &fakeRemote{
		clock:   time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		nextID:  startID,
		records: make(map[string]map[int64]*fakeRecord),
		idem:    make(map[string]int64),
	}
}

func (f *fakeRemote) tick() time.Time {
	f.clock = f.clock.Add(time.Millisecond)
	return f.clock
}

func (f *fakeRemote) table(resource string) map[int64]*fakeRecord {
	t, ok := f.records[resource]
	if !ok {
		t = make(map[int64]*fakeRecord)
		f.records[resource] = t
	}
	return t
}

func (f *fakeRemote) Send(_ context.Context, m remote.Mutation) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.beforeSend != nil {
		if err := f.beforeSend(m); err != nil {
			return remote.Result{}, err
		}
	}
	if f.reject != nil {
		if rej := f.reject(m); rej != nil {
			f.calls = append(f.calls, m)
			return remote.Result{Outcome: remote.OutcomeRejected, Rejection: rej}, nil
		}
	}
	f.calls = append(f.calls, m)

	var result remote.Result
	switch m.Operation {
	case domain.OpCreate:
		if id, ok := f.idem[m.OpID]; ok {
			result = remote.Result{Outcome: remote.OutcomeAccepted, GlobalID: id, Replayed: true}
			break
		}
		id := f.nextID
		f.nextID++
		f.idem[m.OpID] = id
		f.table(m.Resource)[id] = &fakeRecord{id: id, fields: m.Body.Clone(), clientRef: m.OpID, updatedAt: f.tick()}
		result = remote.Result{Outcome: remote.OutcomeAccepted, GlobalID: id}
	case domain.OpUpdate:
		rec, ok := f.table(m.Resource)[m.GlobalID]
		if !ok || rec.deleted {
			return remote.Result{Outcome: remote.OutcomeRejected, Rejection: &remote.Rejection{Kind: "not_found", Status: http.StatusNotFound}}, nil
		}
		rec.fields = m.Body.Clone()
		rec.updatedAt = f.tick()
		result = remote.Result{Outcome: remote.OutcomeAccepted}
	case domain.OpDelete:
		if rec, ok := f.table(m.Resource)[m.GlobalID]; ok && !rec.deleted {
			rec.deleted = true
			rec.updatedAt = f.tick()
		}
		result = remote.Result{Outcome: remote.OutcomeAccepted}
	}

	if f.afterSend != nil {
		if err := f.afterSend(m); err != nil {
			return remote.Result{}, err
		}
	}
	return result, nil
}

func (f *fakeRemote) Pull(_ context.Context, resource string, q remote.PullQuery) (remote.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++

	if f.onPull != nil {
		if err := f.onPull(resource); err != nil {
			return remote.Page{}, err
		}
	}

	since, _ := q.EndDate.Time()
	var matched []*fakeRecord
	for _, rec := range f.table(resource) {
		if q.EndDate.IsZero() || rec.updatedAt.After(since) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	end := q.Offset + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	page := remote.Page{
		HasMore:    end < len(matched),
		Checkpoint: domain.CheckpointFromTime(f.clock),
	}
	if q.Offset < len(matched) {
		for _, rec := range matched[q.Offset:end] {
			page.Records = append(page.Records, domain.RemoteRecord{
				ID:        rec.id,
				Deleted:   rec.deleted,
				ClientRef: rec.clientRef,
				UpdatedAt: rec.updatedAt,
				Fields:    rec.fields.Clone(),
			})
		}
	}
	return page, nil
}

// seed stores a record as if another device had created it.
func (f *fakeRemote) seed(resource string, fields domain.Fields) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.table(resource)[id] = &fakeRecord{id: id, fields: fields, updatedAt: f.tick()}
	return id
}

func (f *fakeRemote) edit(resource string, id int64, fields domain.Fields, deleted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.table(resource)[id]
	if fields != nil {
		rec.fields = fields
	}
	rec.deleted = deleted
	rec.updatedAt = f.tick()
}

func (f *fakeRemote) mutations() []remote.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.Mutation, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeRemote) live(resource string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.table(resource) {
		if !rec.deleted {
			n++
		}
	}
	return n
}

// cancellingRemote cancels the pass once the remote has applied a CREATE and
// then reports the cancellation the way an HTTP client does.
type cancellingRemote struct {
	*fakeRemote
	cancel context.CancelFunc
}

func (c *cancellingRemote) Send(ctx context.Context, m remote.Mutation) (remote.Result, error) {
	result, err := c.fakeRemote.Send(ctx, m)
	if m.Operation == domain.OpCreate && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if ctx.Err() != nil {
		return remote.Result{}, ctx.Err()
	}
	return result, err
}

// checkpointlessRemote advances the clock on every pull and serves the pages
// of one resource without a checkpoint.
type checkpointlessRemote struct {
	*fakeRemote
	blank  string
	served []domain.Checkpoint
}

func (c *checkpointlessRemote) Pull(ctx context.Context, resource string, q remote.PullQuery) (remote.Page, error) {
	c.fakeRemote.mu.Lock()
	c.fakeRemote.tick()
	c.fakeRemote.mu.Unlock()

	page, err := c.fakeRemote.Pull(ctx, resource, q)
	if resource == c.blank {
		page.Checkpoint = ""
	}
	c.served = append(c.served, page.Checkpoint)
	return page, err
}
