package taskrunner_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/serpent-os/federation/pkg/taskrunner"
)

func TestRunner_StopWaitsForInFlightIteration(t *testing.T) {
	var iterations int32
	started := make(chan struct{}, 1)

	r := taskrunner.New("test", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		atomic.AddInt32(&iterations, 1)
		<-ctx.Done()
		return nil
	}, nil)

	r.Start(context.Background())
	<-started

	require.NoError(t, r.Stop())
	require.GreaterOrEqual(t, atomic.LoadInt32(&iterations), int32(1))
}

func TestRunner_StopTimesOutWhenWorkIgnoresCancellation(t *testing.T) {
	r := taskrunner.New("stubborn", func(ctx context.Context) error {
		time.Sleep(taskrunner.GracePeriod + 200*time.Millisecond)
		return nil
	}, nil)

	r.Start(context.Background())
	time.Sleep(10 * time.Millisecond)

	err := r.Stop()
	require.Error(t, err)
}

func TestRunner_StopWithoutStartIsNoop(t *testing.T) {
	r := taskrunner.New("idle", func(ctx context.Context) error { return nil }, nil)
	require.NoError(t, r.Stop())
}
