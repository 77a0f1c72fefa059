// ABOUTME: Integration tests for the SQL store against a real PostgreSQL server
// ABOUTME: Skipped unless SWITCHBOARD_TEST_POSTGRES_DSN is set

package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := os.Getenv("SWITCHBOARD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set SWITCHBOARD_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	s, err := OpenPostgres(dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgres_ClaimLockMutualExclusion(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	tenant := "org-" + uuid.NewString()

	conv, err := s.UpsertConversation(ctx, testKey(tenant), ConversationPatch{
		OrganizationID: tenant,
		Direction:      DirectionIn,
	})
	require.NoError(t, err)

	now := time.Now()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			staff := uuid.NewString()
			_, err := s.ClaimLock(ctx, conv.ID, Handler{StaffID: staff, StartedAt: now}, nil, now)
			var ce *ConflictError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.As(err, &ce):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestPostgres_EchoGuardSerializes(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	tenant := "org-" + uuid.NewString()

	conv, err := s.UpsertConversation(ctx, testKey(tenant), ConversationPatch{OrganizationID: tenant})
	require.NoError(t, err)

	now := time.Now()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &Message{ConversationID: conv.ID, Channel: "zalo", SenderKey: "zalo:user-1", Text: "same", CreatedAt: now}
			_, ok, err := s.InsertOutboundUnlessEcho(ctx, msg, now.Add(-10*time.Second))
			if !assert.NoError(t, err) {
				return
			}
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)
}
