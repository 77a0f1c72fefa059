// ABOUTME: Tests for the SQL store against a temporary SQLite database
// ABOUTME: Covers upsert semantics, lock compare-and-set, echo guard and integrations

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "switchboard.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fixedClock pins the store clock and returns a setter for advancing it.
func fixedClock(s *SQLStore, start time.Time) func(time.Duration) {
	var mu sync.Mutex
	now := start
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	return func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
}

func testKey(tenant string) ConversationKey {
	return ConversationKey{
		TenantScope:     tenant,
		Channel:         "zalo",
		ConversationKey: "oa-1",
		CustomerKey:     "zalo:user-1",
	}
}

func seedConversation(t *testing.T, s *SQLStore, tenant string) *Conversation {
	t.Helper()
	conv, err := s.UpsertConversation(context.Background(), testKey(tenant), ConversationPatch{
		OrganizationID:  tenant,
		AccountID:       "owner-1",
		CustomerInfo:    &Profile{Name: "Lan"},
		LastMessage:     &MessagePreview{Text: "Hi", CreatedAt: time.Now()},
		Direction:       DirectionIn,
		IncrementUnread: true,
	})
	require.NoError(t, err)
	return conv
}

func TestOpenSQLite_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := OpenSQLite(dbPath, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpenSQLite_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := OpenSQLite(dbPath, nil)
	require.NoError(t, err)
	seedConversation(t, s, "org-1")
	require.NoError(t, s.Close())

	s, err = OpenSQLite(dbPath, nil)
	require.NoError(t, err)
	defer s.Close()

	convs, err := s.ListConversations(context.Background(), "org-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestRebindPlaceholders(t *testing.T) {
	s := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT $1, $2 WHERE a = $3", s.q("SELECT ?, ? WHERE a = ?"))

	s.dialect = DialectSQLite
	assert.Equal(t, "SELECT ?", s.q("SELECT ?"))
}

func TestUpsertCustomer_MergesNonEmptyFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertCustomer(ctx, CustomerUpsert{Channel: "zalo", ExternalID: "u1", DisplayName: "Lan", Phone: "0901"})
	require.NoError(t, err)
	assert.Equal(t, "zalo:u1", first.Key)

	second, err := s.UpsertCustomer(ctx, CustomerUpsert{Channel: "zalo", ExternalID: "u1", AvatarURL: "https://a/1.png"})
	require.NoError(t, err)
	assert.Equal(t, "Lan", second.DisplayName, "empty name must not clobber")
	assert.Equal(t, "0901", second.Phone)
	assert.Equal(t, "https://a/1.png", second.AvatarURL)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	got, err := s.GetCustomer(ctx, "zalo:u1")
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = s.GetCustomer(ctx, "zalo:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchCustomers_ExcludesStaff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertCustomer(ctx, CustomerUpsert{Channel: "zalo", ExternalID: "u1", DisplayName: "Lan Nguyen"})
	require.NoError(t, err)
	_, err = s.UpsertCustomer(ctx, CustomerUpsert{Channel: "zalo", ExternalID: "u2", DisplayName: "Lan Tester"})
	require.NoError(t, err)
	require.NoError(t, s.SetCustomerStaff(ctx, "zalo:u2", true))

	found, err := s.SearchCustomers(ctx, "lan", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "zalo:u1", found[0].Key)

	assert.ErrorIs(t, s.SetCustomerStaff(ctx, "zalo:nobody", true), ErrNotFound)
}

func TestUpsertConversation_InsertOnlyFields(t *testing.T) {
	s := newTestStore(t)
	advance := fixedClock(s, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	patch := ConversationPatch{
		OrganizationID:  "org-1",
		CustomerInfo:    &Profile{Name: "Lan"},
		Direction:       DirectionIn,
		IncrementUnread: true,
		BotReplyDefault: true,
	}
	first, err := s.UpsertConversation(ctx, testKey("org-1"), patch)
	require.NoError(t, err)
	assert.Equal(t, 1, first.UnreadCount)
	assert.True(t, first.BotReply)
	assert.Nil(t, first.Handler)
	assert.Nil(t, first.LockExpiresAt)

	advance(time.Second)
	patch.BotReplyDefault = false
	second, err := s.UpsertConversation(ctx, testKey("org-1"), patch)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "created_at is insert-only")
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt), "updated_at advances")
	assert.Equal(t, 2, second.UnreadCount)
	assert.True(t, second.BotReply, "bot_reply default only applies on insert")
}

func TestUpsertConversation_OutboundNeverChangesUnread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, "org-1")
	require.Equal(t, 1, conv.UnreadCount)

	out, err := s.UpsertConversation(ctx, testKey("org-1"), ConversationPatch{
		Direction:       DirectionOut,
		IncrementUnread: true,
		LastMessage:     &MessagePreview{Text: "Hello", CreatedAt: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.UnreadCount)
	assert.Equal(t, "Hello", out.LastMessage.Text)
	assert.Equal(t, "Lan", out.CustomerInfo.Name, "absent customer info keeps stored value")
	assert.Equal(t, "owner-1", out.AccountID, "empty account keeps stored value")

	noIncrement, err := s.UpsertConversation(ctx, testKey("org-1"), ConversationPatch{Direction: DirectionIn})
	require.NoError(t, err)
	assert.Equal(t, 1, noIncrement.UnreadCount)
	assert.Equal(t, "Hello", noIncrement.LastMessage.Text, "absent preview keeps stored value")
}

func TestUpsertConversation_ScopedByTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedConversation(t, s, "org-a")
	b := seedConversation(t, s, "org-b")
	assert.NotEqual(t, a.ID, b.ID)

	listA, err := s.ListConversations(ctx, "org-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, listA, 1)
	assert.Equal(t, a.ID, listA[0].ID)

	found, err := s.FindConversation(ctx, testKey("org-b"))
	require.NoError(t, err)
	assert.Equal(t, b.ID, found.ID)

	_, err = s.UpsertConversation(ctx, testKey(""), ConversationPatch{})
	assert.Error(t, err)
}

func TestMarkRead_ResetsUnreadAndKeepsLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, "org-1")

	require.NoError(t, s.InsertMessage(ctx, &Message{ConversationID: conv.ID, Channel: "zalo", SenderKey: "zalo:user-1", Direction: DirectionIn, Text: "Hi"}))
	_, err := s.ClaimLock(ctx, conv.ID, Handler{StaffID: "s1", Name: "Staff 1", StartedAt: time.Now()}, nil, time.Now())
	require.NoError(t, err)

	read, err := s.MarkRead(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, read.UnreadCount)
	require.NotNil(t, read.Handler)
	assert.Equal(t, "s1", read.Handler.StaffID)

	msgs, err := s.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsRead)

	_, err = s.MarkRead(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetTagsBotReplyAndNickname(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, "org-1")

	tagged, err := s.SetTags(ctx, conv.ID, []string{"vip", "refund"})
	require.NoError(t, err)
	assert.Equal(t, []string{"vip", "refund"}, tagged.Tags)

	flagged, err := s.SetBotReply(ctx, conv.ID, true)
	require.NoError(t, err)
	assert.True(t, flagged.BotReply)

	named, err := s.SetNickname(ctx, conv.ID, "staff-1", "Chị Lan")
	require.NoError(t, err)
	assert.Equal(t, "Chị Lan", named.DisplayName("staff-1"))
	assert.Equal(t, "Lan", named.DisplayName("staff-2"))

	cleared, err := s.SetNickname(ctx, conv.ID, "staff-1", "")
	require.NoError(t, err)
	assert.Equal(t, "Lan", cleared.DisplayName("staff-1"))

	_, err = s.SetTags(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimLock_MutualExclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, "org-1")
	now := time.Now()
	expires := now.Add(5 * time.Minute)

	const claimants = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts []*ConflictError
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			staff := string(rune('a' + i))
			_, err := s.ClaimLock(ctx, conv.ID, Handler{StaffID: staff, Name: staff, StartedAt: now}, &expires, now)
			mu.Lock()
			defer mu.Unlock()
			var ce *ConflictError
			switch {
			case err == nil:
				winners = append(winners, staff)
			case errors.As(err, &ce):
				conflicts = append(conflicts, ce)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Len(t, conflicts, claimants-1)
	for _, ce := range conflicts {
		assert.Equal(t, winners[0], ce.Holder.StaffID)
	}
}

func TestClaimLock_RenewAndExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, "org-1")
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	exp := t0.Add(300 * time.Second)

	locked, err := s.ClaimLock(ctx, conv.ID, Handler{StaffID: "s1", Name: "S1", StartedAt: t0}, &exp, t0)
	require.NoError(t, err)
	require.NotNil(t, locked.LockExpiresAt)
	assert.True(t, locked.LockExpiresAt.Equal(exp))

	// Same holder renews and keeps the original start time.
	later := t0.Add(time.Minute)
	renewExp := later.Add(300 * time.Second)
	renewed, err := s.ClaimLock(ctx, conv.ID, Handler{StaffID: "s1", Name: "S1", StartedAt: later}, &renewExp, later)
	require.NoError(t, err)
	assert.True(t, renewed.Handler.StartedAt.Equal(t0))
	assert.True(t, renewed.LockExpiresAt.Equal(renewExp))

	// Another staff conflicts before expiry.
	_, err = s.ClaimLock(ctx, conv.ID, Handler{StaffID: "s2", StartedAt: later}, &renewExp, later)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "s1", ce.Holder.StaffID)

	// At expiry the lock is claimable without a sweep.
	_, err = s.ClaimLock(ctx, conv.ID, Handler{StaffID: "s2", Name: "S2", StartedAt: renewExp}, nil, renewExp)
	require.NoError(t, err)

	_, err = s.ClaimLock(ctx, "missing", Handler{StaffID: "s2"}, nil, renewExp)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimLockIfUnset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, "org-1")

	locked, claimed, err := s.ClaimLockIfUnset(ctx, conv.ID, Handler{StaffID: "s1", Name: "S1", StartedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, locked.LockExpiresAt, "persistent claims never expire")

	again, claimed, err := s.ClaimLockIfUnset(ctx, conv.ID, Handler{StaffID: "s1", Name: "S1", StartedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "s1", again.Handler.StaffID)

	_, _, err = s.ClaimLockIfUnset(ctx, conv.ID, Handler{StaffID: "s2", StartedAt: time.Now()})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "s1", ce.Holder.StaffID)
}

func TestReleaseLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, "org-1")

	_, prev, released, err := s.ReleaseLock(ctx, conv.ID, "s1", false)
	require.NoError(t, err)
	assert.False(t, released, "unlocked conversation releases as a no-op")
	assert.Nil(t, prev)

	_, err = s.ClaimLock(ctx, conv.ID, Handler{StaffID: "s1", Name: "S1", StartedAt: time.Now()}, nil, time.Now())
	require.NoError(t, err)

	_, _, _, err = s.ReleaseLock(ctx, conv.ID, "s2", false)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)

	unlocked, prev, released, err := s.ReleaseLock(ctx, conv.ID, "admin-1", true)
	require.NoError(t, err)
	assert.True(t, released)
	require.NotNil(t, prev)
	assert.Equal(t, "s1", prev.StaffID)
	assert.Nil(t, unlocked.Handler)
	assert.Nil(t, unlocked.LockExpiresAt)
}

func TestExpireLocks_ClearsOnlyExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	expiring := seedConversation(t, s, "org-1")
	persistent := seedConversation(t, s, "org-2")
	fresh := seedConversation(t, s, "org-3")

	short := t0.Add(time.Minute)
	long := t0.Add(time.Hour)
	_, err := s.ClaimLock(ctx, expiring.ID, Handler{StaffID: "s1", Name: "S1", StartedAt: t0}, &short, t0)
	require.NoError(t, err)
	_, _, err = s.ClaimLockIfUnset(ctx, persistent.ID, Handler{StaffID: "s2", StartedAt: t0})
	require.NoError(t, err)
	_, err = s.ClaimLock(ctx, fresh.ID, Handler{StaffID: "s3", StartedAt: t0}, &long, t0)
	require.NoError(t, err)

	expired, err := s.ExpireLocks(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, expiring.ID, expired[0].ConversationID)
	assert.Equal(t, "s1", expired[0].Previous.StaffID)
	assert.Equal(t, "org-1", expired[0].OrganizationID)
	assert.True(t, expired[0].ExpiredAt.Equal(short))

	got, err := s.GetConversation(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Handler)

	got, err = s.GetConversation(ctx, persistent.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Handler)

	again, err := s.ExpireLocks(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestInsertOutboundUnlessEcho(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, "org-1")
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	sent := &Message{ConversationID: conv.ID, Channel: "zalo", SenderKey: "zalo:user-1", Text: "Hello", CreatedAt: t0,
		Metadata: map[string]any{"receipt": map[string]any{"msg_id": "m1"}}}
	stored, inserted, err := s.InsertOutboundUnlessEcho(ctx, sent, t0.Add(-10*time.Second))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, DirectionOut, stored.Direction)

	echo := &Message{ConversationID: conv.ID, Channel: "zalo", SenderKey: "zalo:user-1", Text: "Hello", CreatedAt: t0.Add(3 * time.Second)}
	existing, inserted, err := s.InsertOutboundUnlessEcho(ctx, echo, t0.Add(-7*time.Second))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, stored.ID, existing.ID)
	assert.Equal(t, "m1", existing.Metadata["receipt"].(map[string]any)["msg_id"])

	other := &Message{ConversationID: conv.ID, Channel: "zalo", SenderKey: "zalo:user-1", Text: "Bye", CreatedAt: t0.Add(4 * time.Second)}
	_, inserted, err = s.InsertOutboundUnlessEcho(ctx, other, t0.Add(-6*time.Second))
	require.NoError(t, err)
	assert.True(t, inserted)

	late := &Message{ConversationID: conv.ID, Channel: "zalo", SenderKey: "zalo:user-1", Text: "Hello", CreatedAt: t0.Add(30 * time.Second)}
	_, inserted, err = s.InsertOutboundUnlessEcho(ctx, late, t0.Add(20*time.Second))
	require.NoError(t, err)
	assert.True(t, inserted, "outside the window the same text is a new message")

	msgs, err := s.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hello", msgs[0].Text)
	assert.Equal(t, "Bye", msgs[1].Text)

	recent, err := s.RecentMessages(ctx, conv.ID, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, late.ID, recent[0].ID)
}

func TestInsertMessage_AttachmentHasNoText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, "org-1")

	msg := &Message{ConversationID: conv.ID, Channel: "zalo", SenderKey: "zalo:user-1", Direction: DirectionIn,
		Metadata: map[string]any{"attachments": []any{"img"}}}
	require.NoError(t, s.InsertMessage(ctx, msg))
	assert.NotEmpty(t, msg.ID)

	msgs, err := s.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Text)
	assert.False(t, msgs[0].IsRead)

	err = s.InsertMessage(ctx, &Message{ConversationID: "missing", Channel: "zalo", SenderKey: "x", Direction: DirectionIn})
	assert.Error(t, err, "foreign key enforced")
}

func TestIntegrations(t *testing.T) {
	s := newTestStore(t)
	advance := fixedClock(s, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	expires := time.Date(2026, 3, 1, 9, 20, 0, 0, time.UTC)

	in, err := s.UpsertIntegration(ctx, &Integration{
		Channel: "zalo", ExternalID: "oa-1", AccountID: "acct-1", OrganizationID: "org-1",
		Name: "Shop", AccessToken: "tok", RefreshToken: "ref", ExpiresAt: &expires, IsActive: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, in.ID)

	advance(time.Minute)
	updated, err := s.UpsertIntegration(ctx, &Integration{
		Channel: "zalo", ExternalID: "oa-1", AccountID: "acct-1", OrganizationID: "org-1",
		Name: "Shop 2", AccessToken: "tok2", RefreshToken: "ref", ExpiresAt: &expires, IsActive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, in.ID, updated.ID)
	assert.Equal(t, "Shop 2", updated.Name)

	_, err = s.UpsertIntegration(ctx, &Integration{Channel: "zalo", ExternalID: "oa-1", AccountID: "acct-2", IsActive: true})
	assert.ErrorIs(t, err, ErrDuplicateIntegration)

	found, err := s.FindIntegration(ctx, "zalo", "oa-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", found.TenantScope())

	listed, err := s.ListIntegrations(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	due, err := s.IntegrationsNeedingRefresh(ctx, expires.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = s.IntegrationsNeedingRefresh(ctx, expires.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, due, 1)

	inactive, err := s.SetIntegrationActive(ctx, in.ID, false)
	require.NoError(t, err)
	assert.False(t, inactive.IsActive)
	due, err = s.IntegrationsNeedingRefresh(ctx, expires.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due, "inactive integrations are never refreshed")

	require.NoError(t, s.DeleteIntegration(ctx, in.ID))
	assert.ErrorIs(t, s.DeleteIntegration(ctx, in.ID), ErrNotFound)
	_, err = s.GetIntegration(ctx, in.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
