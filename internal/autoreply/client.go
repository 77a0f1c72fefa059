// ABOUTME: HTTP client for the external question-answering service
// ABOUTME: POSTs {"question"} and reads {"answer"}, keeping the raw response for message metadata

package autoreply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// ErrEmptyAnswer is returned when the service answers with no text.
var ErrEmptyAnswer = errors.New("auto-reply service returned no answer")

// Answer is the service's reply.
type Answer struct {
	Text string
	Raw  json.RawMessage
}

// Asker answers customer questions.
type Asker interface {
	Ask(ctx context.Context, question string) (Answer, error)
}

// Client calls the auto-reply service over HTTP.
type Client struct {
	Endpoint string
	APIKey   string
	HTTP     *http.Client
}

// NewClient creates a Client. Deadlines come from the caller's context.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{Endpoint: endpoint, APIKey: apiKey, HTTP: &http.Client{}}
}

// Ask implements Asker.
func (c *Client) Ask(ctx context.Context, question string) (Answer, error) {
	body, err := json.Marshal(map[string]string{"question": question})
	if err != nil {
		return Answer{}, fmt.Errorf("encoding question: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Answer{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Answer{}, fmt.Errorf("calling auto-reply service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Answer{}, fmt.Errorf("reading auto-reply response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Answer{}, fmt.Errorf("auto-reply service returned %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(raw) {
		return Answer{}, fmt.Errorf("auto-reply service returned invalid JSON")
	}

	text := gjson.GetBytes(raw, "answer").String()
	if text == "" {
		return Answer{}, ErrEmptyAnswer
	}
	return Answer{Text: text, Raw: json.RawMessage(raw)}, nil
}
