// ABOUTME: Web widget sender; widget visitors read replies over the live socket
// ABOUTME: Nothing leaves the process, so the receipt only records the hand-off

package channel

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/store"
)

// WidgetSender acknowledges widget sends. Delivery happens through the
// visitor's event bus room when the message is ingested.
type WidgetSender struct{}

// Send implements Sender.
func (WidgetSender) Send(_ context.Context, _ *store.Integration, _, text string) (Receipt, error) {
	return Receipt{
		Channel:   Widget,
		MessageID: uuid.NewString(),
		Status:    "socket",
		SentAt:    time.Now().UTC(),
		Text:      text,
	}, nil
}
