package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(nil)
	err := s.Add(Job{Name: "broken", Spec: "every now and then", Run: func(ctx context.Context) error { return nil }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := NewScheduler(nil)
	var runs, failures atomic.Int32
	require.NoError(t, s.Add(Job{Name: "count", Spec: "@every 1s", Run: func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}}))
	require.NoError(t, s.Add(Job{Name: "fail", Spec: "@every 1s", Run: func(ctx context.Context) error {
		failures.Add(1)
		return errors.New("exchange unavailable")
	}}))
	require.NoError(t, s.Add(Job{Name: "panic", Spec: "@every 1s", Run: func(ctx context.Context) error {
		panic("boom")
	}}))
	s.Start()

	require.Eventually(t, func() bool { return runs.Load() >= 1 && failures.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
