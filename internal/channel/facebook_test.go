// ABOUTME: Tests for the Facebook adapter, Graph sender and channel registry
// ABOUTME: Covers echo detection, handshake, signatures and token redaction

package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/store"
)

const facebookBatch = `{
	"object": "page",
	"entry": [{
		"id": "page-1",
		"time": 1700000000000,
		"messaging": [
			{"sender": {"id": "psid-9"}, "recipient": {"id": "page-1"}, "timestamp": 1700000000000,
			 "message": {"mid": "mid.1", "text": "Hi"}},
			{"sender": {"id": "page-1"}, "recipient": {"id": "psid-9"}, "timestamp": 1700000001000,
			 "message": {"mid": "mid.2", "text": "Hello", "is_echo": true, "app_id": 123}},
			{"sender": {"id": "psid-9"}, "recipient": {"id": "page-1"},
			 "message": {"mid": "mid.3", "attachments": [{"type": "image", "payload": {"url": "https://cdn.example/b.png"}}]}},
			{"sender": {"id": "psid-9"}, "recipient": {"id": "page-1"}, "delivery": {"mids": ["mid.2"]}}
		]
	}]
}`

func TestFacebookParse(t *testing.T) {
	events, err := (&FacebookAdapter{}).Parse([]byte(facebookBatch))
	require.NoError(t, err)
	require.Len(t, events, 3, "delivery receipts are skipped")

	in := events[0]
	assert.Equal(t, store.DirectionIn, in.Direction)
	assert.Equal(t, "psid-9", in.CustomerID)
	assert.Equal(t, "page-1", in.EndpointID)
	assert.Equal(t, "mid.1", in.MessageID)
	assert.Equal(t, "Hi", in.Text)

	echo := events[1]
	assert.Equal(t, store.DirectionOut, echo.Direction)
	assert.Equal(t, "psid-9", echo.CustomerID)
	assert.Equal(t, "Hello", echo.Text)

	img := events[2]
	assert.True(t, img.Attachment)
	assert.Empty(t, img.Text)
	assert.Equal(t, []string{"https://cdn.example/b.png"}, img.Attachments)
}

func TestFacebookParse_OtherObjects(t *testing.T) {
	events, err := (&FacebookAdapter{}).Parse([]byte(`{"object":"instagram","entry":[]}`))
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = (&FacebookAdapter{}).Parse([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFacebookVerifyChallenge(t *testing.T) {
	a := &FacebookAdapter{VerifyToken: "tok"}

	got, err := a.VerifyChallenge(url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"tok"}, "hub.challenge": {"123"}})
	require.NoError(t, err)
	assert.Equal(t, "123", got)

	_, err = a.VerifyChallenge(url.Values{"hub.verify_token": {"wrong"}, "hub.challenge": {"123"}})
	assert.ErrorIs(t, err, ErrVerification)
}

func TestFacebookVerifySignature(t *testing.T) {
	body := []byte(facebookBatch)
	a := &FacebookAdapter{AppSecret: "app-secret"}

	h := http.Header{}
	h.Set(FacebookSignatureHeader, "sha256="+Sign("app-secret", body))
	assert.NoError(t, a.VerifySignature(h, body))

	assert.ErrorIs(t, a.VerifySignature(h, append([]byte{' '}, body...)), ErrSignature)
}

func TestFacebookSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/messages", r.URL.Path)
		assert.Equal(t, "page-token", r.URL.Query().Get("access_token"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"recipient_id":"psid-9","message_id":"mid.out"}`))
	}))
	defer srv.Close()

	receipt, err := NewFacebookSender(srv.URL).Send(t.Context(), &store.Integration{AccessToken: "page-token"}, "psid-9", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "mid.out", receipt.MessageID)
	assert.Equal(t, Facebook, receipt.Channel)
	assert.Equal(t, "RESPONSE", got["messaging_type"])
}

func TestFacebookSender_RedactsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad"}}`))
	}))
	srv.Close() // connection refused puts the URL in the error

	_, err := NewFacebookSender(srv.URL).Send(t.Context(), &store.Integration{AccessToken: "page-token"}, "psid-9", "Hello")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "page-token")
}

type recordingSender struct {
	calls []string
}

func (s *recordingSender) Send(_ context.Context, in *store.Integration, recipientID, text string) (Receipt, error) {
	s.calls = append(s.calls, in.Channel+"/"+recipientID+"/"+text)
	return Receipt{Channel: in.Channel, Status: "sent"}, nil
}

func TestRegistry(t *testing.T) {
	r := FromConfig(config.ChannelsConfig{})
	_, ok := r.Adapter(Zalo)
	assert.True(t, ok)
	_, ok = r.Adapter(Widget)
	assert.False(t, ok, "widget has no webhook adapter")

	receipt, err := r.Send(t.Context(), &store.Integration{Channel: Widget}, "visitor", "hi")
	require.NoError(t, err)
	assert.Equal(t, "socket", receipt.Status)

	_, err = r.Send(t.Context(), &store.Integration{Channel: "sms"}, "x", "hi")
	assert.ErrorIs(t, err, ErrUnknownChannel)

	rec := &recordingSender{}
	r.Register(Zalo, nil, rec)
	_, err = r.Send(t.Context(), &store.Integration{Channel: Zalo}, "u1", "yo")
	require.NoError(t, err)
	assert.Equal(t, []string{"zalo/u1/yo"}, rec.calls)
	_, ok = r.Adapter(Zalo)
	assert.True(t, ok, "nil adapter keeps the existing one")
}
