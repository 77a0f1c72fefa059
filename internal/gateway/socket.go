// ABOUTME: WebSocket endpoint bridging live clients to the tenant event bus
// ABOUTME: Pushes bus events as JSON frames and accepts access-request frames from staff

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/eventbus"
)

const (
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = 30 * time.Second
	socketReadLimit  = 16 << 10
)

// ClientFrame is a message sent by a live client.
type ClientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	RequesterID    string `json:"requester_id,omitempty"`
	Accepted       bool   `json:"accepted,omitempty"`
}

// errorFrame reports a rejected client frame back on the socket.
type errorFrame struct {
	Type           string `json:"type"`
	Request        string `json:"request"`
	ConversationID string `json:"conversation_id,omitempty"`
	Error          string `json:"error"`
}

// socketClient owns one upgraded connection. Only the write pump writes.
type socketClient struct {
	gw      *Gateway
	conn    *websocket.Conn
	session *eventbus.Session
	replies chan any
	logger  *slog.Logger
}

func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "account_id", id.AccountID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	session, err := g.bus.Connect(ctx, id)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(socketWriteWait))
		_ = conn.Close()
		return
	}

	c := &socketClient{
		gw:      g,
		conn:    conn,
		session: session,
		replies: make(chan any, 8),
		logger:  g.logger.With("session_id", session.ID, "account_id", id.AccountID),
	}
	c.logger.Debug("live client connected")

	go c.readPump(ctx, cancel)
	c.writePump(ctx)
	_ = conn.Close()
	c.logger.Debug("live client disconnected")
}

// writePump forwards bus events until the session ends or the reader quits.
// Events still buffered when the session is closed are flushed first.
func (c *socketClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.session.Events():
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(socketWriteWait))
				return
			}
			if err := c.write(ev); err != nil {
				c.logger.Debug("writing event failed", "event_type", ev.Type, "error", err)
				return
			}
		case reply := <-c.replies:
			if err := c.write(reply); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *socketClient) write(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return c.conn.WriteJSON(v)
}

// readPump handles client frames and cancels the session when the peer goes away.
func (c *socketClient) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	c.conn.SetReadLimit(socketReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("live client read failed", "error", err)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply(errorFrame{Type: "error", Error: "malformed frame"})
			continue
		}
		if err := c.handleFrame(ctx, frame); err != nil {
			c.reply(errorFrame{Type: "error", Request: frame.Type, ConversationID: frame.ConversationID, Error: err.Error()})
		}
	}
}

var (
	errUnknownFrame   = errors.New("unknown frame type")
	errWidgetReadOnly = errors.New("widget sessions are receive-only")
)

func (c *socketClient) handleFrame(ctx context.Context, frame ClientFrame) error {
	actor := c.session.Identity
	if actor.Kind == auth.KindWidget {
		return errWidgetReadOnly
	}
	switch eventbus.EventType(frame.Type) {
	case eventbus.EventRequestAccess:
		_, err := c.gw.engine.RequestAccess(ctx, actor, frame.ConversationID)
		return err
	case eventbus.EventRequestAccessResponse:
		_, err := c.gw.engine.RespondAccess(ctx, actor, frame.ConversationID, frame.RequesterID, frame.Accepted)
		return err
	default:
		return errUnknownFrame
	}
}

// reply queues a frame for the write pump, dropping it if the queue is full.
func (c *socketClient) reply(v any) {
	select {
	case c.replies <- v:
	default:
		c.logger.Debug("dropping reply frame, queue full")
	}
}
