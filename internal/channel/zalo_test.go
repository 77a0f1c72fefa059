// ABOUTME: Tests for the Zalo adapter and sender
// ABOUTME: Uses recorded webhook shapes and an httptest OA API

package channel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

const zaloUserText = `{
	"app_id": "app-1",
	"event_name": "user_send_text",
	"timestamp": "1700000000000",
	"sender": {"id": "user-42"},
	"recipient": {"id": "oa-7"},
	"message": {"msg_id": "m-1", "text": "Xin chào"}
}`

const zaloOAText = `{
	"event_name": "oa_send_text",
	"timestamp": "1700000001000",
	"sender": {"id": "oa-7"},
	"recipient": {"id": "user-42"},
	"message": {"msg_id": "m-2", "text": "Hello"}
}`

const zaloUserImage = `{
	"event_name": "user_send_image",
	"sender": {"id": "user-42"},
	"recipient": {"id": "oa-7"},
	"message": {"msg_id": "m-3", "attachments": [{"type": "image", "payload": {"url": "https://cdn.example/a.jpg"}}]}
}`

func TestZaloParse(t *testing.T) {
	a := &ZaloAdapter{}

	tests := []struct {
		name       string
		body       string
		direction  store.Direction
		customer   string
		text       string
		attachment bool
	}{
		{"inbound text", zaloUserText, store.DirectionIn, "user-42", "Xin chào", false},
		{"outbound echo", zaloOAText, store.DirectionOut, "user-42", "Hello", false},
		{"inbound image", zaloUserImage, store.DirectionIn, "user-42", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := a.Parse([]byte(tt.body))
			require.NoError(t, err)
			require.Len(t, events, 1)
			ev := events[0]
			assert.Equal(t, Zalo, ev.Channel)
			assert.Equal(t, "oa-7", ev.EndpointID)
			assert.Equal(t, tt.direction, ev.Direction)
			assert.Equal(t, tt.customer, ev.CustomerID)
			assert.Equal(t, tt.text, ev.Text)
			assert.Equal(t, tt.attachment, ev.Attachment)
			assert.NotEmpty(t, ev.MessageID)
		})
	}
}

func TestZaloParse_ImageURLsAndTimestamp(t *testing.T) {
	events, err := (&ZaloAdapter{}).Parse([]byte(zaloUserImage))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example/a.jpg"}, events[0].Attachments)
	assert.True(t, events[0].Timestamp.IsZero())

	events, err = (&ZaloAdapter{}).Parse([]byte(zaloUserText))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), events[0].Timestamp.UnixMilli())
}

func TestZaloParse_IgnoresOtherEvents(t *testing.T) {
	events, err := (&ZaloAdapter{}).Parse([]byte(`{"event_name":"follow","follower":{"id":"u"}}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestZaloParse_MissingSender(t *testing.T) {
	events, err := (&ZaloAdapter{}).Parse([]byte(`{"event_name":"user_send_text","recipient":{"id":"oa-7"},"message":{"text":"hi"}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].CustomerID)
}

func TestZaloParse_Malformed(t *testing.T) {
	_, err := (&ZaloAdapter{}).Parse([]byte(`{"event_name":`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestZaloVerifyChallenge(t *testing.T) {
	a := &ZaloAdapter{VerifyToken: "tok"}

	got, err := a.VerifyChallenge(url.Values{"verify_token": {"tok"}, "challenge": {"abc"}})
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	got, err = a.VerifyChallenge(url.Values{"token": {"tok"}})
	require.NoError(t, err)
	assert.Equal(t, "OK", got)

	_, err = a.VerifyChallenge(url.Values{"verify_token": {"nope"}})
	assert.ErrorIs(t, err, ErrVerification)

	_, err = (&ZaloAdapter{}).VerifyChallenge(url.Values{"verify_token": {""}})
	assert.ErrorIs(t, err, ErrVerification)
}

func TestZaloVerifySignature(t *testing.T) {
	body := []byte(zaloUserText)
	a := &ZaloAdapter{AppID: "app-1", AppSecret: "s3cret"}

	sum := sha256.Sum256([]byte("app-1" + zaloUserText + "1700000000000" + "s3cret"))
	signed := "mac=" + hex.EncodeToString(sum[:])
	assert.Equal(t, signed, "mac="+ZaloMAC("app-1", body, "1700000000000", "s3cret"))

	h := http.Header{}
	h.Set(ZaloSignatureHeader, signed)
	assert.NoError(t, a.VerifySignature(h, body))

	h.Set(ZaloSignatureHeader, strings.ToUpper(strings.TrimPrefix(signed, "mac=")))
	assert.NoError(t, a.VerifySignature(h, body), "prefix and hex case are optional")

	h.Set(ZaloSignatureHeader, "mac="+ZaloMAC("app-2", body, "1700000000000", "s3cret"))
	assert.ErrorIs(t, a.VerifySignature(h, body), ErrSignature, "app id is part of the digest")

	tampered := []byte(strings.Replace(zaloUserText, "1700000000000", "1700000009999", 1))
	h.Set(ZaloSignatureHeader, signed)
	assert.ErrorIs(t, a.VerifySignature(h, tampered), ErrSignature, "timestamp is part of the digest")

	h.Set(ZaloSignatureHeader, "sha256="+Sign("s3cret", body))
	assert.ErrorIs(t, a.VerifySignature(h, body), ErrSignature, "a body HMAC is not a Zalo MAC")

	assert.ErrorIs(t, a.VerifySignature(http.Header{}, body), ErrSignature)
	assert.NoError(t, (&ZaloAdapter{}).VerifySignature(http.Header{}, body), "no secret disables the check")
}

func TestZaloSender(t *testing.T) {
	var got map[string]any
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3.0/oa/message/cs", r.URL.Path)
		token = r.Header.Get("access_token")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":0,"message":"Success","data":{"message_id":"zm-1","user_id":"user-42"}}`))
	}))
	defer srv.Close()

	s := NewZaloSender(srv.URL)
	receipt, err := s.Send(t.Context(), &store.Integration{Channel: Zalo, AccessToken: "at-1"}, "user-42", strings.Repeat("x", 3000))
	require.NoError(t, err)
	assert.Equal(t, "zm-1", receipt.MessageID)
	assert.Equal(t, "sent", receipt.Status)
	assert.Equal(t, "at-1", token)

	assert.Equal(t, "user-42", got["recipient"].(map[string]any)["user_id"])
	text := got["message"].(map[string]any)["text"].(string)
	assert.Len(t, text, zaloMaxText+3)
	assert.True(t, strings.HasSuffix(text, "..."))
	assert.Equal(t, text, receipt.Text, "receipt reports the text as delivered")
}

func TestZaloSender_InBandError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":-216,"message":"Access token is invalid"}`))
	}))
	defer srv.Close()

	_, err := NewZaloSender(srv.URL).Send(t.Context(), &store.Integration{AccessToken: "bad"}, "u", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-216")
}

func TestZaloSender_NoToken(t *testing.T) {
	_, err := NewZaloSender("").Send(t.Context(), &store.Integration{}, "u", "hi")
	assert.ErrorIs(t, err, ErrNoAccessToken)
}
