// ABOUTME: Zalo Official Account webhook adapter and customer-service sender
// ABOUTME: user_send_* events are inbound, oa_send_* events are echoes of OA sends

package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/switchboard/internal/store"
)

// DefaultZaloAPIBase is the Zalo OpenAPI host.
const DefaultZaloAPIBase = "https://openapi.zalo.me"

// zaloMaxText is the longest text sent in one message; the platform rejects 3000+.
const zaloMaxText = 2900

// ZaloSignatureHeader carries "mac=" and the hex digest from ZaloMAC.
const ZaloSignatureHeader = "X-ZEvent-Signature"

// ZaloAdapter parses Zalo OA webhooks.
type ZaloAdapter struct {
	AppID       string
	AppSecret   string // OA secret key
	VerifyToken string
}

// Name implements Adapter.
func (a *ZaloAdapter) Name() string { return Zalo }

// VerifyChallenge implements Adapter. Zalo sends the token as verify_token,
// verifyToken or token, and an optional challenge to echo back.
func (a *ZaloAdapter) VerifyChallenge(query url.Values) (string, error) {
	token := firstNonEmpty(query.Get("verify_token"), query.Get("verifyToken"), query.Get("token"))
	if err := verifyToken(a.VerifyToken, token); err != nil {
		return "", err
	}
	if challenge := firstNonEmpty(query.Get("challenge"), query.Get("hub.challenge")); challenge != "" {
		return challenge, nil
	}
	return "OK", nil
}

// VerifySignature implements Adapter.
func (a *ZaloAdapter) VerifySignature(header http.Header, body []byte) error {
	return verifyZaloMAC(a.AppID, a.AppSecret, body, header.Get(ZaloSignatureHeader))
}

// Parse implements Adapter. Events other than user and OA sends (follows,
// seen receipts) yield nothing.
func (a *ZaloAdapter) Parse(body []byte) ([]Event, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(body)
	name := root.Get("event_name").String()

	ev := Event{
		Channel:   Zalo,
		EventName: name,
		MessageID: root.Get("message.msg_id").String(),
		Text:      root.Get("message.text").String(),
		Timestamp: unixMillis(root.Get("timestamp").Int()),
	}

	switch {
	case strings.HasPrefix(name, "user_send_"):
		ev.Direction = store.DirectionIn
		ev.CustomerID = root.Get("sender.id").String()
		ev.EndpointID = firstNonEmpty(root.Get("recipient.id").String(), root.Get("oa_id").String())
	case strings.HasPrefix(name, "oa_send_"):
		ev.Direction = store.DirectionOut
		ev.CustomerID = root.Get("recipient.id").String()
		ev.EndpointID = firstNonEmpty(root.Get("sender.id").String(), root.Get("oa_id").String())
	default:
		return nil, nil
	}

	if !strings.HasSuffix(name, "_text") {
		ev.Attachment = true
		root.Get("message.attachments.#.payload.url").ForEach(func(_, v gjson.Result) bool {
			if u := v.String(); u != "" {
				ev.Attachments = append(ev.Attachments, u)
			}
			return true
		})
	}
	return []Event{ev}, nil
}

// ZaloSender sends through the OA v3 customer-service message API.
type ZaloSender struct {
	APIBase string
	Client  *http.Client
}

// NewZaloSender creates a ZaloSender. An empty apiBase uses DefaultZaloAPIBase.
func NewZaloSender(apiBase string) *ZaloSender {
	if apiBase == "" {
		apiBase = DefaultZaloAPIBase
	}
	return &ZaloSender{
		APIBase: strings.TrimRight(apiBase, "/"),
		Client:  &http.Client{Timeout: DefaultSendTimeout},
	}
}

// Send implements Sender.
func (s *ZaloSender) Send(ctx context.Context, in *store.Integration, recipientID, text string) (Receipt, error) {
	if in.AccessToken == "" {
		return Receipt{}, ErrNoAccessToken
	}
	if len([]rune(text)) > zaloMaxText {
		text = string([]rune(text)[:zaloMaxText]) + "..."
	}

	header := http.Header{}
	header.Set("access_token", in.AccessToken)
	body := map[string]any{
		"recipient": map[string]string{"user_id": recipientID},
		"message":   map[string]string{"text": text},
	}
	resp, err := postJSON(ctx, s.Client, s.APIBase+"/v3.0/oa/message/cs", header, body)
	if err != nil {
		return Receipt{}, fmt.Errorf("zalo send: %w", err)
	}
	// Zalo reports failures in-band with a non-zero error code.
	if code := resp.Get("error").Int(); code != 0 {
		return Receipt{}, fmt.Errorf("zalo send: error %d: %s", code, resp.Get("message").String())
	}
	return Receipt{
		Channel:   Zalo,
		MessageID: resp.Get("data.message_id").String(),
		Status:    "sent",
		SentAt:    time.Now().UTC(),
		Text:      text,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func unixMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
