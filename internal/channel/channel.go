// ABOUTME: Channel adapter and sender contracts for external messaging platforms
// ABOUTME: Registry maps channel names to webhook adapters and outbound senders

package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/store"
)

// Channel names
const (
	Zalo     = "zalo"
	Facebook = "facebook"
	Widget   = "widget"
)

// Adapter errors
var (
	ErrVerification   = errors.New("webhook verification failed")
	ErrSignature      = errors.New("webhook signature mismatch")
	ErrMalformed      = errors.New("malformed webhook payload")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrNoAccessToken  = errors.New("integration has no access token")
)

// Event is one message extracted from a platform webhook.
type Event struct {
	MessageID   string // platform message id, used for redelivery dedupe
	Channel     string
	EndpointID  string // OA id or page id; selects the integration
	CustomerID  string // empty when the payload named no sender
	Direction   store.Direction
	Text        string
	Attachment  bool
	Attachments []string // attachment URLs when the platform sends them
	EventName   string
	Timestamp   time.Time
}

// Adapter turns platform webhooks into Events.
type Adapter interface {
	Name() string
	// VerifyChallenge answers the GET subscription handshake.
	VerifyChallenge(query url.Values) (string, error)
	// VerifySignature checks the payload signature when an app secret is configured.
	VerifySignature(header http.Header, body []byte) error
	Parse(body []byte) ([]Event, error)
}

// Receipt records what a platform returned for a send. It is stored in
// message metadata.
type Receipt struct {
	Channel   string    `json:"channel"`
	MessageID string    `json:"message_id,omitempty"`
	Status    string    `json:"status"`
	SentAt    time.Time `json:"sent_at"`

	// Text is what the customer received, which may be shorter than what
	// was asked for. Platform echoes carry this text.
	Text string `json:"-"`
}

// DeliveredText returns the text the customer received, or requested when
// the sender did not report it.
func (r Receipt) DeliveredText(requested string) string {
	if r.Text != "" {
		return r.Text
	}
	return requested
}

// Sender delivers outbound text through an integration.
type Sender interface {
	Send(ctx context.Context, in *store.Integration, recipientID, text string) (Receipt, error)
}

// Registry holds the adapter and sender for each channel. It is itself a
// Sender that routes by the integration's channel.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	senders  map[string]Sender
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		senders:  make(map[string]Sender),
	}
}

// Register installs an adapter and sender for a channel. Either may be nil;
// the widget channel has no webhook adapter.
func (r *Registry) Register(name string, adapter Adapter, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if adapter != nil {
		r.adapters[name] = adapter
	}
	if sender != nil {
		r.senders[name] = sender
	}
}

// Adapter returns the webhook adapter for a channel.
func (r *Registry) Adapter(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Send routes to the sender registered for in.Channel.
func (r *Registry) Send(ctx context.Context, in *store.Integration, recipientID, text string) (Receipt, error) {
	r.mu.RLock()
	s, ok := r.senders[in.Channel]
	r.mu.RUnlock()
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownChannel, in.Channel)
	}
	return s.Send(ctx, in, recipientID, text)
}

// FromConfig builds the registry for every supported channel.
func FromConfig(cfg config.ChannelsConfig) *Registry {
	r := NewRegistry()
	r.Register(Zalo,
		&ZaloAdapter{AppID: cfg.Zalo.AppID, AppSecret: cfg.Zalo.AppSecret, VerifyToken: cfg.Zalo.VerifyToken},
		NewZaloSender(cfg.Zalo.APIBase))
	r.Register(Facebook,
		&FacebookAdapter{AppSecret: cfg.Facebook.AppSecret, VerifyToken: cfg.Facebook.VerifyToken},
		NewFacebookSender(cfg.Facebook.APIBase))
	r.Register(Widget, nil, WidgetSender{})
	return r
}
