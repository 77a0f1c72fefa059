// ABOUTME: Tenant event bus resolving broadcast targets to account and organization rooms
// ABOUTME: Admits live sessions, fans events out, and optionally relays them across instances

package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/auth"
)

// Bus errors
var (
	ErrNoScope      = errors.New("broadcast needs an account or organization target")
	ErrAnonymous    = errors.New("session identity has no account")
	ErrUnknownEvent = errors.New("unknown event type")
)

// Envelope is the relay wire form of a broadcast.
type Envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
	Target Target `json:"target"`
}

// Relay forwards local broadcasts to other instances.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
}

// Broadcaster is the publishing side of the bus, as used by the handoff
// engine, the ingestion pipeline and the gateway.
type Broadcaster interface {
	Broadcast(ctx context.Context, t EventType, payload any, target Target) error
}

// Bus delivers events to sessions in a SessionRegistry.
type Bus struct {
	registry SessionRegistry
	public   map[EventType]bool
	relay    Relay
	origin   string
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithPublicEvents whitelists event types that may be broadcast without a
// target, reaching every session.
func WithPublicEvents(types ...EventType) Option {
	return func(b *Bus) {
		for _, t := range types {
			b.public[t] = true
		}
	}
}

// WithRelay publishes every local broadcast through r.
func WithRelay(r Relay) Option {
	return func(b *Bus) { b.relay = r }
}

// New creates a Bus over registry. Pass nil logger for default.
func New(registry SessionRegistry, logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		registry: registry,
		public:   make(map[EventType]bool),
		origin:   uuid.NewString(),
		logger:   logger.With("component", "eventbus"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin identifies this bus instance in relay envelopes.
func (b *Bus) Origin() string {
	return b.origin
}

// SetRelay attaches a relay after construction, for relays that need the bus
// to consume remote envelopes. Call it before the first Broadcast.
func (b *Bus) SetRelay(r Relay) {
	b.relay = r
}

// Broadcast delivers an event to the target's account room, organization
// room, or both. Without a target only whitelisted public events are
// delivered, to every session; otherwise ErrNoScope is returned.
func (b *Bus) Broadcast(ctx context.Context, t EventType, payload any, target Target) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, t)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", t, err)
	}

	ev := Event{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   raw,
		CreatedAt: b.now().UTC(),
	}
	if err := b.deliver(ev, target); err != nil {
		return err
	}

	if b.relay != nil {
		env := Envelope{Origin: b.origin, Event: ev, Target: target}
		if err := b.relay.Publish(ctx, env); err != nil {
			b.logger.Warn("relay publish failed", "event_type", t, "event_id", ev.ID, "error", err)
		}
	}
	return nil
}

// DeliverRemote delivers an envelope received from another instance.
// Envelopes from this instance are ignored.
func (b *Bus) DeliverRemote(env Envelope) error {
	if env.Origin == b.origin {
		return nil
	}
	if !env.Event.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event.Type)
	}
	return b.deliver(env.Event, env.Target)
}

func (b *Bus) deliver(ev Event, target Target) error {
	rooms := target.Rooms()
	if len(rooms) == 0 {
		if !b.public[ev.Type] {
			return ErrNoScope
		}
		delivered, dropped := b.registry.DeliverAll(ev)
		b.logDelivery(ev, "*", delivered, dropped)
		return nil
	}

	for _, room := range rooms {
		copied := ev
		copied.Room = room.Topic()
		delivered, dropped := b.registry.Deliver(copied.Room, copied)
		b.logDelivery(copied, copied.Room, delivered, dropped)
	}
	return nil
}

func (b *Bus) logDelivery(ev Event, room string, delivered, dropped int) {
	if dropped > 0 {
		b.logger.Debug("dropped event for slow sessions",
			"event_type", ev.Type, "event_id", ev.ID, "room", room, "dropped", dropped)
	}
	if delivered > 0 {
		b.logger.Debug("delivered event",
			"event_type", ev.Type, "event_id", ev.ID, "room", room, "sessions", delivered)
	}
}

// Connect admits a live session. Staff join their account room and, when
// they belong to one, their organization room. Widget visitors join only
// their own account room. The session ends when ctx is cancelled or the
// account is disconnected.
func (b *Bus) Connect(ctx context.Context, id auth.Identity) (*Session, error) {
	if id.AccountID == "" {
		return nil, ErrAnonymous
	}

	var rooms []Room
	switch id.Kind {
	case auth.KindWidget:
		if !strings.HasPrefix(id.AccountID, auth.WidgetAccountPrefix) {
			id.AccountID = auth.WidgetAccountPrefix + id.AccountID
		}
		id.OrganizationID = ""
		rooms = []Room{AccountRoom(id.AccountID)}
	default:
		rooms = Target{AccountID: id.AccountID, OrganizationID: id.OrganizationID}.Rooms()
	}

	s := newSession(uuid.NewString(), id, rooms)
	b.registry.Add(s)
	b.logger.Debug("session connected", "session_id", s.ID, "account_id", id.AccountID, "rooms", len(rooms))

	go func() {
		select {
		case <-ctx.Done():
			if b.registry.Remove(s.ID) {
				b.logger.Debug("session disconnected", "session_id", s.ID, "account_id", id.AccountID)
			}
		case <-s.Done():
		}
	}()

	return s, nil
}

// Disconnect ends every session of an account. Returns how many were closed.
func (b *Bus) Disconnect(accountID string) int {
	var n int
	for _, id := range b.registry.AccountSessions(accountID) {
		if b.registry.Remove(id) {
			n++
		}
	}
	if n > 0 {
		b.logger.Info("disconnected account sessions", "account_id", accountID, "sessions", n)
	}
	return n
}

// Sessions returns the number of live sessions.
func (b *Bus) Sessions() int {
	return b.registry.Len()
}
