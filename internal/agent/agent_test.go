package agent

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/auth"
	"example.com/fitsync/internal/backend"
	"example.com/fitsync/internal/backend/api"
	"example.com/fitsync/internal/backend/memory"
	"example.com/fitsync/internal/config"
	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/syncer"
)

const account = "acct-1"

type remoteHarness struct {
	server  *httptest.Server
	service *backend.Service
	token   string
}

func newRemote(t *testing.T) *remoteHarness {
	t.Helper()
	authCfg := auth.Config{Secret: "agent-test-secret", Issuer: "fitsync.test"}
	svc := backend.NewService(memory.NewRepository(), domain.DefaultRegistry(), backend.Options{}, zerolog.Nop())
	srv := httptest.NewServer(api.NewHandler(svc, zerolog.Nop()).Router(auth.NewMiddleware(authCfg, auth.SkipHealth), nil))
	t.Cleanup(srv.Close)

	token, err := auth.Issue(authCfg, account, []string{auth.ScopeSyncRead, auth.ScopeSyncWrite}, time.Hour)
	require.NoError(t, err)
	return &remoteHarness{server: srv, service: svc, token: token}
}

func (h *remoteHarness) records(t *testing.T, typ domain.EntityType) []backend.Record {
	t.Helper()
	desc, err := domain.DefaultRegistry().Lookup(typ)
	require.NoError(t, err)
	page, err := h.service.List(context.Background(), account, desc, backend.ListQuery{Limit: 100})
	require.NoError(t, err)
	live := make([]backend.Record, 0, len(page.Records))
	for _, rec := range page.Records {
		if !rec.Deleted {
			live = append(live, rec)
		}
	}
	return live
}

func newAgent(t *testing.T, remote *remoteHarness, name string) *Agent {
	t.Helper()
	cfg := config.DefaultAgent()
	cfg.AccountID = account
	cfg.Store.Path = filepath.Join(t.TempDir(), name+".db")
	cfg.Remote.BaseURL = remote.server.URL + "/v1"
	cfg.Remote.Token = remote.token
	cfg.Remote.MaxRetries = 0
	cfg.Sync.Interval = time.Hour
	cfg.Sync.PageSize = 2
	cfg.Connectivity.ProbeInterval = 20 * time.Millisecond
	cfg.HTTP.Address = ""
	cfg.HTTP.ShutdownTimeout = time.Second

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func lookup(t *testing.T, a *Agent, typ domain.EntityType) domain.Descriptor {
	t.Helper()
	desc, err := a.Registry().Lookup(typ)
	require.NoError(t, err)
	return desc
}

func TestTwoDevicesConverge(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	phone := newAgent(t, remote, "phone")
	tablet := newAgent(t, remote, "tablet")

	weekID, err := phone.Recorder.RecordCreate(ctx, &domain.WeekSchedule{Name: "Week 23", WeekStart: "2026-06-01"})
	require.NoError(t, err)
	_, err = phone.Recorder.RecordCreate(ctx, &domain.ScheduledWorkout{WeekScheduleID: &weekID, DayOfWeek: 1, Title: "Legs"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = phone.Recorder.RecordCreate(ctx, &domain.Exercise{Name: "Exercise " + string(rune('A'+i))})
		require.NoError(t, err)
	}

	report := phone.Engine.Sync(ctx, "test")
	require.Equal(t, syncer.OutcomeSuccess, report.Outcome, report.FailureReason)
	require.Positive(t, report.Sent)
	require.Zero(t, report.Rejected)

	weeks := remote.records(t, domain.TypeWeekSchedule)
	require.Len(t, weeks, 1)
	scheduled := remote.records(t, domain.TypeScheduledWorkout)
	require.Len(t, scheduled, 1)
	parent, ok := scheduled[0].Fields.Int64("weekScheduleId")
	require.True(t, ok)
	require.Equal(t, weeks[0].ID, parent, "foreign key is rewritten to the global id")
	require.Len(t, remote.records(t, domain.TypeExercise), 3)

	report = tablet.Engine.Sync(ctx, "test")
	require.Equal(t, syncer.OutcomeSuccess, report.Outcome, report.FailureReason)

	tabletWeeks, err := tablet.Store.Entities(ctx, lookup(t, tablet, domain.TypeWeekSchedule))
	require.NoError(t, err)
	require.Len(t, tabletWeeks, 1)
	tabletScheduled, err := tablet.Store.Entities(ctx, lookup(t, tablet, domain.TypeScheduledWorkout))
	require.NoError(t, err)
	require.Len(t, tabletScheduled, 1)
	localParent, ok := tabletScheduled[0].Fields.Int64("weekScheduleId")
	require.True(t, ok)
	require.Equal(t, tabletWeeks[0].LocalID, localParent, "pulled references point at local rows")
	tabletExercises, err := tablet.Store.Entities(ctx, lookup(t, tablet, domain.TypeExercise))
	require.NoError(t, err)
	require.Len(t, tabletExercises, 3, "paged pull fetches every record")

	// A second pull with no remote changes leaves local state unchanged.
	report = tablet.Engine.Sync(ctx, "test")
	require.Equal(t, syncer.OutcomeSuccess, report.Outcome)
	again, err := tablet.Store.Entities(ctx, lookup(t, tablet, domain.TypeExercise))
	require.NoError(t, err)
	require.Len(t, again, 3)

	require.NoError(t, tablet.Recorder.RecordDelete(ctx, domain.TypeWeekSchedule, tabletWeeks[0].LocalID))
	report = tablet.Engine.Sync(ctx, "test")
	require.Equal(t, syncer.OutcomeSuccess, report.Outcome, report.FailureReason)

	report = phone.Engine.Sync(ctx, "test")
	require.Equal(t, syncer.OutcomeSuccess, report.Outcome, report.FailureReason)
	phoneWeeks, err := phone.Store.Entities(ctx, lookup(t, phone, domain.TypeWeekSchedule))
	require.NoError(t, err)
	require.Empty(t, phoneWeeks)
	phoneScheduled, err := phone.Store.Entities(ctx, lookup(t, phone, domain.TypeScheduledWorkout))
	require.NoError(t, err)
	require.Empty(t, phoneScheduled, "children follow the parent delete")
	require.Empty(t, remote.records(t, domain.TypeScheduledWorkout))
}

func TestRunSyncsWhenRemoteBecomesReachable(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	phone := newAgent(t, remote, "phone")

	_, err := phone.Recorder.RecordCreate(ctx, &domain.Exercise{Name: "Deadlift"})
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	phone.WithListener(l)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- phone.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return len(remote.records(t, domain.TypeExercise)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status Status
		if json.NewDecoder(resp.Body).Decode(&status) != nil {
			return false
		}
		return status.Reachable && status.QueueDepth == 0 && status.AccountID == account
	}, 5*time.Second, 10*time.Millisecond)

	// Startup runs one pass, from the reachable edge; the timer waits a full
	// interval.
	require.Eventually(t, func() bool {
		st := phone.Engine.Status()
		return st.LastReport != nil && !st.Running
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "connectivity", phone.Engine.Status().LastReport.Reason)
	due, ok := phone.Scheduler.NextRun(PeriodicJob)
	require.True(t, ok)
	require.True(t, due.After(time.Now().Add(30*time.Minute)))

	resp, err := http.Post("http://"+l.Addr().String()+"/sync", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}
