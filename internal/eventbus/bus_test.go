// ABOUTME: Tests for the tenant event bus fan-out and session lifecycle
// ABOUTME: Covers room resolution, tenant isolation, slow sessions, disconnects and relays

package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/auth"
)

func staff(account, org string) auth.Identity {
	return auth.Identity{AccountID: account, OrganizationID: org, Role: auth.RoleStaff, Kind: auth.KindStaff}
}

func receive(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "session closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertSilent(t *testing.T, s *Session) {
	t.Helper()
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %s in %s", ev.Type, ev.Room)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcast_AccountAndOrganizationRooms(t *testing.T) {
	b := New(NewMemoryRegistry(), nil)
	ctx := t.Context()

	owner, err := b.Connect(ctx, staff("acct-1", "org-1"))
	require.NoError(t, err)
	colleague, err := b.Connect(ctx, staff("acct-2", "org-1"))
	require.NoError(t, err)
	outsider, err := b.Connect(ctx, staff("acct-3", "org-2"))
	require.NoError(t, err)

	payload := map[string]string{"conversation_id": "c1"}
	require.NoError(t, b.Broadcast(ctx, EventNewMessage, payload, Target{AccountID: "acct-1", OrganizationID: "org-1"}))

	// The owner sits in both rooms and gets one copy per room.
	first := receive(t, owner)
	second := receive(t, owner)
	assert.Equal(t, first.ID, second.ID)
	assert.ElementsMatch(t, []string{"account:acct-1", "organization:org-1"}, []string{first.Room, second.Room})

	got := receive(t, colleague)
	assert.Equal(t, "organization:org-1", got.Room)
	assert.Equal(t, EventNewMessage, got.Type)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(got.Payload, &decoded))
	assert.Equal(t, "c1", decoded["conversation_id"])

	assertSilent(t, outsider)
}

func TestBroadcast_TenantIsolation(t *testing.T) {
	b := New(NewMemoryRegistry(), nil)
	ctx := t.Context()

	orgA, err := b.Connect(ctx, staff("a-1", "org-a"))
	require.NoError(t, err)
	orgB, err := b.Connect(ctx, staff("b-1", "org-b"))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Broadcast(ctx, EventNewMessage, i, Target{OrganizationID: "org-b"}))
	}

	assertSilent(t, orgA)
	for i := 0; i < 10; i++ {
		assert.Equal(t, "organization:org-b", receive(t, orgB).Room)
	}
}

func TestBroadcast_NoScope(t *testing.T) {
	b := New(NewMemoryRegistry(), nil)
	s, err := b.Connect(t.Context(), staff("acct-1", ""))
	require.NoError(t, err)

	err = b.Broadcast(t.Context(), EventForceLogout, nil, Target{})
	assert.ErrorIs(t, err, ErrNoScope)
	assertSilent(t, s)
}

func TestBroadcast_PublicWhitelist(t *testing.T) {
	b := New(NewMemoryRegistry(), nil, WithPublicEvents(EventIntegrationAdded))
	ctx := t.Context()

	s1, err := b.Connect(ctx, staff("acct-1", "org-1"))
	require.NoError(t, err)
	s2, err := b.Connect(ctx, staff("acct-2", "org-2"))
	require.NoError(t, err)

	require.NoError(t, b.Broadcast(ctx, EventIntegrationAdded, "x", Target{}))
	assert.Equal(t, EventIntegrationAdded, receive(t, s1).Type)
	assert.Equal(t, EventIntegrationAdded, receive(t, s2).Type)

	assert.ErrorIs(t, b.Broadcast(ctx, EventNewMessage, "x", Target{}), ErrNoScope)
}

func TestBroadcast_UnknownEventType(t *testing.T) {
	b := New(NewMemoryRegistry(), nil)
	err := b.Broadcast(t.Context(), EventType("typing"), nil, Target{AccountID: "a"})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestConnect_RejectsAnonymous(t *testing.T) {
	b := New(NewMemoryRegistry(), nil)
	_, err := b.Connect(t.Context(), auth.Identity{OrganizationID: "org-1"})
	assert.ErrorIs(t, err, ErrAnonymous)
	assert.Equal(t, 0, b.Sessions())
}

func TestConnect_WidgetJoinsOnlyVisitorRoom(t *testing.T) {
	b := New(NewMemoryRegistry(), nil)
	ctx := t.Context()

	visitor, err := b.Connect(ctx, auth.Identity{AccountID: "v-1", OrganizationID: "org-1", Kind: auth.KindWidget})
	require.NoError(t, err)
	require.Len(t, visitor.Rooms, 1)
	assert.Equal(t, "account:widget:v-1", visitor.Rooms[0].Topic())

	require.NoError(t, b.Broadcast(ctx, EventNewMessage, "org", Target{OrganizationID: "org-1"}))
	assertSilent(t, visitor)

	require.NoError(t, b.Broadcast(ctx, EventNewMessage, "mine", Target{AccountID: "widget:v-1"}))
	assert.Equal(t, "account:widget:v-1", receive(t, visitor).Room)
}

func TestSlowSessionDoesNotBlockOthers(t *testing.T) {
	b := New(NewMemoryRegistry(), nil)
	ctx := t.Context()

	_, err := b.Connect(ctx, staff("slow", "org-1"))
	require.NoError(t, err)
	fast, err := b.Connect(ctx, staff("fast", "org-1"))
	require.NoError(t, err)

	done := make(chan struct{})
	received := 0
	go func() {
		defer close(done)
		for range fast.Events() {
			received++
			if received == 100 {
				return
			}
		}
	}()

	for i := 0; i < 100; i++ {
		require.NoError(t, b.Broadcast(ctx, EventUpdateConversation, i, Target{OrganizationID: "org-1"}))
		time.Sleep(time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fast session received %d of 100 events", received)
	}
}

func TestSession_EndsOnContextCancel(t *testing.T) {
	reg := NewMemoryRegistry()
	b := New(reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := b.Connect(ctx, staff("acct-1", "org-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, b.Sessions())

	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed after context cancel")
	}
	_, ok := <-s.Events()
	assert.False(t, ok, "events channel closed")
	assert.Equal(t, 0, b.Sessions())

	// Broadcasting to the emptied room must not panic.
	require.NoError(t, b.Broadcast(t.Context(), EventNewMessage, nil, Target{AccountID: "acct-1"}))
}

func TestDisconnect_ClosesAllAccountSessions(t *testing.T) {
	b := New(NewMemoryRegistry(), nil)
	ctx := t.Context()

	tab1, err := b.Connect(ctx, staff("acct-1", "org-1"))
	require.NoError(t, err)
	tab2, err := b.Connect(ctx, staff("acct-1", "org-1"))
	require.NoError(t, err)
	other, err := b.Connect(ctx, staff("acct-2", "org-1"))
	require.NoError(t, err)

	assert.Equal(t, 2, b.Disconnect("acct-1"))
	for _, s := range []*Session{tab1, tab2} {
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("session not closed")
		}
	}
	assert.Equal(t, 1, b.Sessions())
	assert.Equal(t, 0, b.Disconnect("acct-1"))

	require.NoError(t, b.Broadcast(ctx, EventNewMessage, nil, Target{OrganizationID: "org-1"}))
	assert.Equal(t, "organization:org-1", receive(t, other).Room)
}

func TestConcurrentBroadcastAndConnect(t *testing.T) {
	b := New(NewMemoryRegistry(), nil)
	ctx := t.Context()

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()
			s, err := b.Connect(sctx, staff("acct", "org"))
			if err != nil {
				t.Error(err)
				return
			}
			for range 5 {
				select {
				case <-s.Events():
				case <-time.After(100 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 20 {
				_ = b.Broadcast(ctx, EventNewMessage, nil, Target{AccountID: "acct", OrganizationID: "org"})
			}
		})
	}
	wg.Wait()
}

type recordingRelay struct {
	mu   sync.Mutex
	envs []Envelope
	err  error
}

func (r *recordingRelay) Publish(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return r.err
}

func TestRelay_PublishesAndIgnoresOwnOrigin(t *testing.T) {
	relay := &recordingRelay{}
	local := New(NewMemoryRegistry(), nil, WithRelay(relay))
	remote := New(NewMemoryRegistry(), nil)
	ctx := t.Context()

	remoteSession, err := remote.Connect(ctx, staff("acct-1", "org-1"))
	require.NoError(t, err)
	localSession, err := local.Connect(ctx, staff("acct-1", "org-1"))
	require.NoError(t, err)

	require.NoError(t, local.Broadcast(ctx, EventConversationLocked, "c1", Target{OrganizationID: "org-1"}))
	assert.Equal(t, EventConversationLocked, receive(t, localSession).Type)

	require.Len(t, relay.envs, 1)
	env := relay.envs[0]
	assert.Equal(t, local.Origin(), env.Origin)

	// Loopback from the broker is ignored.
	require.NoError(t, local.DeliverRemote(env))
	assertSilent(t, localSession)

	// Another instance delivers it to its own sessions.
	require.NoError(t, remote.DeliverRemote(env))
	got := receive(t, remoteSession)
	assert.Equal(t, env.Event.ID, got.ID)
	assert.Equal(t, "organization:org-1", got.Room)
}

func TestRelay_FailureDoesNotFailBroadcast(t *testing.T) {
	relay := &recordingRelay{err: errors.New("broker down")}
	b := New(NewMemoryRegistry(), nil, WithRelay(relay))
	s, err := b.Connect(t.Context(), staff("acct-1", ""))
	require.NoError(t, err)

	require.NoError(t, b.Broadcast(t.Context(), EventNewMessage, nil, Target{AccountID: "acct-1"}))
	receive(t, s)
}
