package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elam/internal/engine"
)

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New("not a cron", func(context.Context) (engine.ScanResult, error) { return engine.ScanResult{}, nil }, nil)
	require.Error(t, err)

	_, err = New("@every 1s", nil, nil)
	require.Error(t, err)
}

func TestRunInvokesJobUntilCancelled(t *testing.T) {
	var calls atomic.Int32
	s, err := New("@every 1s", func(context.Context) (engine.ScanResult, error) {
		calls.Add(1)
		return engine.ScanResult{}, nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunOnceSurvivesJobError(t *testing.T) {
	var calls atomic.Int32
	s, err := New("@every 1h", func(context.Context) (engine.ScanResult, error) {
		calls.Add(1)
		return engine.ScanResult{}, errors.New("boom")
	}, nil)
	require.NoError(t, err)
	s.RunOnce(context.Background())
	assert.Equal(t, int32(1), calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunOnce(ctx)
	assert.Equal(t, int32(1), calls.Load())
}
