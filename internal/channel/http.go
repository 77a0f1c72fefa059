// ABOUTME: Shared JSON-over-HTTP helper for platform send APIs
// ABOUTME: Reads the body with gjson so senders pick fields without response structs

package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultSendTimeout bounds a single platform API call.
const DefaultSendTimeout = 10 * time.Second

// maxResponseBytes caps how much of a platform response is read.
const maxResponseBytes = 1 << 20

func postJSON(ctx context.Context, client *http.Client, endpoint string, header http.Header, body any) (gjson.Result, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("calling platform: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return gjson.Result{}, fmt.Errorf("platform returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("platform returned invalid JSON")
	}
	return gjson.ParseBytes(raw), nil
}
