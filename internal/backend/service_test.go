package backend_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/backend"
	"example.com/fitsync/internal/backend/memory"
	"example.com/fitsync/internal/domain"
)

func newService(t *testing.T) (*backend.Service, *domain.Registry) {
	t.Helper()
	registry := domain.DefaultRegistry()
	svc := backend.NewService(memory.NewRepository(), registry, backend.Options{CheckpointLag: time.Second}, zerolog.Nop())
	clock := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	})
	return svc, registry
}

func desc(t *testing.T, r *domain.Registry, typ domain.EntityType) domain.Descriptor {
	t.Helper()
	d, err := r.Lookup(typ)
	require.NoError(t, err)
	return d
}

func TestCreateReplaysIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	svc, reg := newService(t)
	ex := desc(t, reg, domain.TypeExercise)

	first, replay, err := svc.Create(ctx, "acct", ex, domain.Fields{"name": "Squat", "ignored": true}, "op-1")
	require.NoError(t, err)
	require.False(t, replay)
	require.NotZero(t, first.ID)
	require.Equal(t, "op-1", first.ClientRef)
	require.NotContains(t, first.Fields, "ignored")

	again, replay, err := svc.Create(ctx, "acct", ex, domain.Fields{"name": "Squat"}, "op-1")
	require.NoError(t, err)
	require.True(t, replay)
	require.Equal(t, first.ID, again.ID)

	other, replay, err := svc.Create(ctx, "other-acct", ex, domain.Fields{"name": "Squat"}, "op-1")
	require.NoError(t, err)
	require.False(t, replay)
	require.NotEqual(t, first.ID, other.ID)
}

func TestCreateValidatesPayloadAndReferences(t *testing.T) {
	ctx := context.Background()
	svc, reg := newService(t)

	_, _, err := svc.Create(ctx, "acct", desc(t, reg, domain.TypeExercise), domain.Fields{}, "")
	require.True(t, backend.IsValidation(err))

	sw := desc(t, reg, domain.TypeScheduledWorkout)
	_, _, err = svc.Create(ctx, "acct", sw, domain.Fields{"weekScheduleId": 999, "dayOfWeek": 1}, "")
	require.ErrorIs(t, err, backend.ErrInvalidReference)

	week, _, err := svc.Create(ctx, "other", desc(t, reg, domain.TypeWeekSchedule), domain.Fields{"name": "W1", "weekStart": "2026-06-01"}, "")
	require.NoError(t, err)
	_, _, err = svc.Create(ctx, "acct", sw, domain.Fields{"weekScheduleId": week.ID, "dayOfWeek": 1}, "")
	require.ErrorIs(t, err, backend.ErrInvalidReference, "parents of another account are invisible")
}

func TestUpdateMissingOrDeleted(t *testing.T) {
	ctx := context.Background()
	svc, reg := newService(t)
	ex := desc(t, reg, domain.TypeExercise)

	_, err := svc.Update(ctx, "acct", ex, 404, domain.Fields{"name": "x"})
	require.ErrorIs(t, err, backend.ErrRecordNotFound)

	rec, _, err := svc.Create(ctx, "acct", ex, domain.Fields{"name": "Squat"}, "")
	require.NoError(t, err)
	updated, err := svc.Update(ctx, "acct", ex, rec.ID, domain.Fields{"name": "Front Squat"})
	require.NoError(t, err)
	require.Equal(t, "Front Squat", updated.Fields["name"])
	require.True(t, updated.UpdatedAt.After(rec.UpdatedAt))

	require.NoError(t, svc.Delete(ctx, "acct", ex, rec.ID))
	require.NoError(t, svc.Delete(ctx, "acct", ex, rec.ID), "delete is idempotent")
	_, err = svc.Update(ctx, "acct", ex, rec.ID, domain.Fields{"name": "again"})
	require.ErrorIs(t, err, backend.ErrRecordNotFound)
	require.ErrorIs(t, svc.Delete(ctx, "acct", ex, 9999), backend.ErrRecordNotFound)
}

func TestDeleteCascadesAlongReferences(t *testing.T) {
	ctx := context.Background()
	svc, reg := newService(t)

	tmpl, _, err := svc.Create(ctx, "acct", desc(t, reg, domain.TypeWorkoutTemplate), domain.Fields{"name": "Push"}, "")
	require.NoError(t, err)
	week, _, err := svc.Create(ctx, "acct", desc(t, reg, domain.TypeWeekSchedule), domain.Fields{"name": "W1", "weekStart": "2026-06-01"}, "")
	require.NoError(t, err)
	sw, _, err := svc.Create(ctx, "acct", desc(t, reg, domain.TypeScheduledWorkout), domain.Fields{"weekScheduleId": week.ID, "templateId": tmpl.ID, "dayOfWeek": 2}, "")
	require.NoError(t, err)
	wo, _, err := svc.Create(ctx, "acct", desc(t, reg, domain.TypeWorkout), domain.Fields{"title": "Mon", "templateId": tmpl.ID, "startedAt": "2026-06-01T07:00:00Z", "durationMinutes": 45}, "")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "acct", desc(t, reg, domain.TypeWorkoutTemplate), tmpl.ID))

	page, err := svc.List(ctx, "acct", desc(t, reg, domain.TypeWorkout), backend.ListQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, wo.ID, page.Records[0].ID)
	_, hasTemplate := page.Records[0].Fields.Int64("templateId")
	require.False(t, hasTemplate, "optional reference is cleared")

	require.NoError(t, svc.Delete(ctx, "acct", desc(t, reg, domain.TypeWeekSchedule), week.ID))
	page, err = svc.List(ctx, "acct", desc(t, reg, domain.TypeScheduledWorkout), backend.ListQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, sw.ID, page.Records[0].ID)
	require.True(t, page.Records[0].Deleted, "required reference cascades the delete")
}

func TestListIssuesLaggedCheckpoint(t *testing.T) {
	ctx := context.Background()
	svc, reg := newService(t)
	ex := desc(t, reg, domain.TypeExercise)

	rec, _, err := svc.Create(ctx, "acct", ex, domain.Fields{"name": "Squat"}, "")
	require.NoError(t, err)

	page, err := svc.List(ctx, "acct", ex, backend.ListQuery{Limit: 10})
	require.NoError(t, err)
	cp, err := page.Checkpoint.Time()
	require.NoError(t, err)
	require.True(t, cp.Before(rec.UpdatedAt), "lag keeps recent writes visible to the next pull")

	page, err = svc.List(ctx, "acct", ex, backend.ListQuery{Limit: 10, ChangedAfter: rec.UpdatedAt})
	require.NoError(t, err)
	require.Empty(t, page.Records)
}
