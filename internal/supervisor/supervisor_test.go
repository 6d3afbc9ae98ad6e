package supervisor

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type flakyService struct {
	runs atomic.Int32
}

func (s *flakyService) Serve(ctx context.Context) error {
	if s.runs.Add(1) == 1 {
		return errors.New("first run fails")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *flakyService) String() string { return "flaky" }

func TestSupervisorRestartsAndLogs(t *testing.T) {
	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	sup := New("test", logger, Config{FailureBackoff: time.Millisecond, ShutdownTimeout: time.Second})

	svc := &flakyService{}
	sup.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Serve(ctx) }()

	require.Eventually(t, func() bool { return svc.runs.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	require.Contains(t, logs.String(), "flaky")
}
