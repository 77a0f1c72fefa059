// ABOUTME: Facebook Messenger webhook adapter and Graph API sender
// ABOUTME: Echoes of page sends arrive with message.is_echo and are treated as outbound

package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/switchboard/internal/store"
)

// DefaultFacebookAPIBase is the Graph API root including the version.
const DefaultFacebookAPIBase = "https://graph.facebook.com/v19.0"

// FacebookSignatureHeader carries "sha256=<hex>" of the webhook body.
const FacebookSignatureHeader = "X-Hub-Signature-256"

// FacebookAdapter parses Messenger page webhooks.
type FacebookAdapter struct {
	AppSecret   string
	VerifyToken string
}

// Name implements Adapter.
func (a *FacebookAdapter) Name() string { return Facebook }

// VerifyChallenge implements Adapter using the hub.* handshake.
func (a *FacebookAdapter) VerifyChallenge(query url.Values) (string, error) {
	token := firstNonEmpty(query.Get("hub.verify_token"), query.Get("verify_token"))
	if err := verifyToken(a.VerifyToken, token); err != nil {
		return "", err
	}
	return query.Get("hub.challenge"), nil
}

// VerifySignature implements Adapter.
func (a *FacebookAdapter) VerifySignature(header http.Header, body []byte) error {
	return verifyHMAC(a.AppSecret, body, header.Get(FacebookSignatureHeader))
}

// Parse implements Adapter. Delivery and read receipts carry no message and
// are skipped.
func (a *FacebookAdapter) Parse(body []byte) ([]Event, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(body)
	if obj := root.Get("object").String(); obj != "" && obj != "page" {
		return nil, nil
	}

	var events []Event
	root.Get("entry").ForEach(func(_, entry gjson.Result) bool {
		pageID := entry.Get("id").String()
		entry.Get("messaging").ForEach(func(_, m gjson.Result) bool {
			msg := m.Get("message")
			if !msg.Exists() {
				return true
			}
			ev := Event{
				Channel:    Facebook,
				EndpointID: pageID,
				MessageID:  msg.Get("mid").String(),
				Text:       msg.Get("text").String(),
				Timestamp:  unixMillis(m.Get("timestamp").Int()),
			}
			sender := m.Get("sender.id").String()
			if msg.Get("is_echo").Bool() || (sender != "" && sender == pageID) {
				ev.Direction = store.DirectionOut
				ev.CustomerID = m.Get("recipient.id").String()
				ev.EventName = "echo"
			} else {
				ev.Direction = store.DirectionIn
				ev.CustomerID = sender
				ev.EventName = "message"
			}
			msg.Get("attachments").ForEach(func(_, att gjson.Result) bool {
				ev.Attachment = true
				if u := att.Get("payload.url").String(); u != "" {
					ev.Attachments = append(ev.Attachments, u)
				}
				return true
			})
			events = append(events, ev)
			return true
		})
		return true
	})
	return events, nil
}

// FacebookSender sends through the Graph me/messages endpoint.
type FacebookSender struct {
	APIBase string
	Client  *http.Client
}

// NewFacebookSender creates a FacebookSender. An empty apiBase uses
// DefaultFacebookAPIBase.
func NewFacebookSender(apiBase string) *FacebookSender {
	if apiBase == "" {
		apiBase = DefaultFacebookAPIBase
	}
	return &FacebookSender{
		APIBase: strings.TrimRight(apiBase, "/"),
		Client:  &http.Client{Timeout: DefaultSendTimeout},
	}
}

// Send implements Sender.
func (s *FacebookSender) Send(ctx context.Context, in *store.Integration, recipientID, text string) (Receipt, error) {
	if in.AccessToken == "" {
		return Receipt{}, ErrNoAccessToken
	}
	endpoint := s.APIBase + "/me/messages?access_token=" + url.QueryEscape(in.AccessToken)
	body := map[string]any{
		"recipient":      map[string]string{"id": recipientID},
		"message":        map[string]string{"text": text},
		"messaging_type": "RESPONSE",
	}
	resp, err := postJSON(ctx, s.Client, endpoint, nil, body)
	if err != nil {
		// The endpoint carries the page token; keep it out of logs.
		return Receipt{}, fmt.Errorf("facebook send to %s failed: %w", recipientID, redact(err, in.AccessToken))
	}
	return Receipt{
		Channel:   Facebook,
		MessageID: resp.Get("message_id").String(),
		Status:    "sent",
		SentAt:    time.Now().UTC(),
		Text:      text,
	}, nil
}

func redact(err error, secret string) error {
	if secret == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), url.QueryEscape(secret), "REDACTED"))
}
