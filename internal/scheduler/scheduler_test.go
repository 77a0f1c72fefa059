// ABOUTME: Tests for the background job scheduler
// ABOUTME: Drives sweep and refresh passes against fakes, plus one real cron tick

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

type fakeSweeper struct {
	calls atomic.Int32
	last  atomic.Pointer[time.Time]
	err   error
}

func (f *fakeSweeper) ExpireSweep(_ context.Context, now time.Time) ([]store.ExpiredLock, error) {
	f.calls.Add(1)
	f.last.Store(&now)
	if f.err != nil {
		return nil, f.err
	}
	return []store.ExpiredLock{{ConversationID: "conv-1"}}, nil
}

type fakeSource struct {
	before time.Time
	due    []*store.Integration
}

func (f *fakeSource) IntegrationsNeedingRefresh(_ context.Context, before time.Time) ([]*store.Integration, error) {
	f.before = before
	return f.due, nil
}

type fakeRefresher struct {
	seen []string
}

func (f *fakeRefresher) Refresh(_ context.Context, in *store.Integration) error {
	f.seen = append(f.seen, in.ID)
	if in.ID == "bad" {
		return errors.New("platform rejected refresh token")
	}
	return nil
}

func fixedClock(s *Scheduler) time.Time {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return now
}

func TestSweep(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := New(Config{}, sweeper, nil, nil, nil)
	now := fixedClock(s)

	assert.Equal(t, 1, s.Sweep(t.Context()))
	assert.Equal(t, now, *sweeper.last.Load())

	sweeper.err = errors.New("db down")
	assert.Equal(t, 0, s.Sweep(t.Context()))
}

func TestRefreshTokens(t *testing.T) {
	source := &fakeSource{due: []*store.Integration{{ID: "a"}, {ID: "bad"}, {ID: "b"}}}
	refresher := &fakeRefresher{}
	s := New(Config{RefreshWindow: time.Hour}, nil, source, refresher, nil)
	now := fixedClock(s)

	assert.Equal(t, 2, s.RefreshTokens(t.Context()))
	assert.Equal(t, now.Add(time.Hour), source.before)
	assert.Equal(t, []string{"a", "bad", "b"}, refresher.seen)
}

func TestRefreshTokens_DefaultRefresherLogs(t *testing.T) {
	expires := time.Now().Add(10 * time.Minute)
	source := &fakeSource{due: []*store.Integration{{ID: "a", ExpiresAt: &expires}}}
	s := New(Config{RefreshWindow: time.Hour}, nil, source, nil, nil)

	assert.Equal(t, 1, s.RefreshTokens(t.Context()))
}

func TestRun_TicksAndStops(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := New(Config{SweepInterval: time.Second}, sweeper, nil, nil, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return sweeper.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestEvery(t *testing.T) {
	assert.Equal(t, "@every 1m0s", every(time.Minute))
	assert.Equal(t, "@every 30m0s", every(30*time.Minute))
}
