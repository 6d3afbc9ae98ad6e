package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "fitsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func lookup(t *testing.T, typ domain.EntityType) domain.Descriptor {
	t.Helper()
	d, err := domain.DefaultRegistry().Lookup(typ)
	require.NoError(t, err)
	return d
}

func TestEntityRoundTripWithReferences(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	weeks := lookup(t, domain.TypeWeekSchedule)
	slots := lookup(t, domain.TypeScheduledWorkout)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	var weekID, slotID int64
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		var err error
		weekID, err = tx.InsertEntity(ctx, weeks, domain.Fields{"name": "Base", "weekStart": "2026-05-04"}, nil, now)
		if err != nil {
			return err
		}
		slotID, err = tx.InsertEntity(ctx, slots, domain.Fields{"weekScheduleId": weekID, "dayOfWeek": 2}, nil, now)
		return err
	}))

	row, err := st.Entity(ctx, slots, slotID)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Nil(t, row.GlobalID)
	ref, ok := row.Fields.Int64("weekScheduleId")
	require.True(t, ok)
	require.Equal(t, weekID, ref)
	_, hasTemplate := row.Fields["templateId"]
	require.False(t, hasTemplate)
	require.Equal(t, now, row.UpdatedAt)

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		return tx.SetGlobalID(ctx, slots, slotID, 501)
	}))
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		id, found, err := tx.LocalIDByGlobal(ctx, slots, 501)
		require.True(t, found)
		require.Equal(t, slotID, id)
		return err
	}))
}

func TestForeignKeyActions(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	templates := lookup(t, domain.TypeWorkoutTemplate)
	workouts := lookup(t, domain.TypeWorkout)
	weeks := lookup(t, domain.TypeWeekSchedule)
	slots := lookup(t, domain.TypeScheduledWorkout)
	now := time.Now()

	var tmplID, workoutID, weekID, slotID int64
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		tmplID, _ = tx.InsertEntity(ctx, templates, domain.Fields{"name": "Push"}, nil, now)
		workoutID, _ = tx.InsertEntity(ctx, workouts, domain.Fields{"title": "Push day", "templateId": tmplID}, nil, now)
		weekID, _ = tx.InsertEntity(ctx, weeks, domain.Fields{"name": "W1", "weekStart": "2026-05-04"}, nil, now)
		var err error
		slotID, err = tx.InsertEntity(ctx, slots, domain.Fields{"weekScheduleId": weekID, "templateId": tmplID}, nil, now)
		return err
	}))

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		removed, err := tx.DeleteEntity(ctx, templates, tmplID)
		require.True(t, removed)
		return err
	}))
	workout, err := st.Entity(ctx, workouts, workoutID)
	require.NoError(t, err)
	_, ok := workout.Fields.Int64("templateId")
	require.False(t, ok, "optional reference is nulled")

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.DeleteEntity(ctx, weeks, weekID)
		return err
	}))
	slot, err := st.Entity(ctx, slots, slotID)
	require.NoError(t, err)
	require.Nil(t, slot, "required reference cascades")
}

func TestUpdateMissingEntity(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	err := st.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateEntity(ctx, lookup(t, domain.TypeExercise), 99, domain.Fields{"name": "x"}, time.Now())
	})
	require.ErrorIs(t, err, domain.ErrEntityNotFound)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertEntity(ctx, lookup(t, domain.TypeExercise), domain.Fields{"name": "Row"}, nil, time.Now()); err != nil {
			return err
		}
		if _, err := tx.AppendEntry(ctx, domain.SyncQueueEntry{OpID: "op-1", EntityType: domain.TypeExercise, LocalEntityID: 1, Operation: domain.OpCreate}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	rows, err := st.Entities(ctx, lookup(t, domain.TypeExercise))
	require.NoError(t, err)
	require.Empty(t, rows)
	depth, err := st.QueueDepth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestQueueOperations(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	gid := int64(77)

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		for _, e := range []domain.SyncQueueEntry{
			{OpID: "a", EntityType: domain.TypeExercise, LocalEntityID: 1, Operation: domain.OpCreate, Payload: []byte(`{"name":"A"}`)},
			{OpID: "b", EntityType: domain.TypeExercise, LocalEntityID: 1, Operation: domain.OpUpdate, Payload: []byte(`{"name":"B"}`)},
			{OpID: "c", EntityType: domain.TypeExercise, LocalEntityID: 2, Operation: domain.OpDelete, GlobalID: &gid},
		} {
			if _, err := tx.AppendEntry(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	err := st.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.AppendEntry(ctx, domain.SyncQueueEntry{OpID: "d", Operation: "MERGE"})
		return err
	})
	require.Error(t, err)

	entries, err := st.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "a", entries[0].OpID)
	require.JSONEq(t, `{}`, string(entries[2].Payload))

	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		pending, err := tx.PendingLocalIDs(ctx, domain.TypeExercise)
		require.NoError(t, err)
		require.Len(t, pending, 2)

		deletes, err := tx.PendingDeleteGlobalIDs(ctx, domain.TypeExercise)
		require.NoError(t, err)
		require.Contains(t, deletes, gid)

		if err := tx.MarkAttempt(ctx, []int64{entries[0].ID}, "timeout", true); err != nil {
			return err
		}
		if err := tx.MarkAttempt(ctx, []int64{entries[0].ID}, "503", false); err != nil {
			return err
		}
		entry, err := tx.EntryByOpID(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, 2, entry.Attempts)
		require.True(t, entry.Ambiguous, "ambiguous is sticky")
		require.Equal(t, "503", entry.LastError)

		if err := tx.MarkDispatched(ctx, []int64{entries[0].ID, entries[1].ID}); err != nil {
			return err
		}
		if err := tx.ClearDispatched(ctx, []int64{entries[1].ID}); err != nil {
			return err
		}
		entry, err = tx.EntryByOpID(ctx, "a")
		require.NoError(t, err)
		require.True(t, entry.Dispatched)
		entry, err = tx.EntryByOpID(ctx, "b")
		require.NoError(t, err)
		require.False(t, entry.Dispatched)

		cleared, err := tx.ClearAmbiguous(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, cleared)
		entry, err = tx.EntryByOpID(ctx, "a")
		require.NoError(t, err)
		require.False(t, entry.Ambiguous)
		require.False(t, entry.Dispatched, "a complete pull settles dispatched entries too")

		missing, err := tx.EntryByOpID(ctx, "zzz")
		require.NoError(t, err)
		require.Nil(t, missing)

		return tx.DeleteEntries(ctx, []int64{entries[0].ID, entries[1].ID})
	}))

	depth, err := st.QueueDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestCheckpointIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	t1 := domain.CheckpointFromTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	t2 := domain.CheckpointFromTime(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	cp, err := st.Checkpoint(ctx, "acct")
	require.NoError(t, err)
	require.True(t, cp.IsZero())

	advance := func(c domain.Checkpoint) bool {
		var moved bool
		require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
			var err error
			moved, err = tx.AdvanceCheckpoint(ctx, "acct", c)
			return err
		}))
		return moved
	}

	require.True(t, advance(t2))
	require.False(t, advance(t1))
	require.False(t, advance(t2))

	cp, err = st.Checkpoint(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, t2, cp)

	other, err := st.Checkpoint(ctx, "other")
	require.NoError(t, err)
	require.True(t, other.IsZero())
}

func TestRejectionsAndJobs(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertRejection(ctx, domain.Rejection{
			OpID:          "op-9",
			EntityType:    domain.TypeWorkout,
			LocalEntityID: 3,
			Operation:     domain.OpCreate,
			Payload:       []byte(`{"title":""}`),
			Kind:          "validation_failed",
			Status:        422,
			Detail:        "title is required",
		})
	}))
	rejections, err := st.Rejections(ctx)
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	require.Equal(t, "validation_failed", rejections[0].Kind)
	require.Equal(t, 422, rejections[0].Status)

	require.NoError(t, st.SaveJob(ctx, "sync-now"))
	require.NoError(t, st.SaveJob(ctx, "sync-now"))
	jobs, err := st.PendingJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"sync-now"}, jobs)
	require.NoError(t, st.DeleteJob(ctx, "sync-now"))
	jobs, err = st.PendingJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
}
