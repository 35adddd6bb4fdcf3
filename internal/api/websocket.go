package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"token-velocity/internal/broadcast"
	"token-velocity/internal/idhash"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	opTimeout      = 5 * time.Second
)

// Client event names.
const (
	EventSubscribeToken    = "subscribe_token"
	EventUnsubscribeToken  = "unsubscribe_token"
	EventSubscribeMarket   = "subscribe_market"
	EventUnsubscribeMarket = "unsubscribe_market"
)

var defaultTokenMetrics = []string{"price", "volume", "velocity"}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inbound is one client frame.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type tokenRequest struct {
	TokenID json.RawMessage `json:"token_id"`
	Metrics []string        `json:"metrics"`
}

// session is one WebSocket connection bound to a broadcaster subscriber.
// All outbound frames go through the subscriber queue so writePump is the
// only writer.
type session struct {
	srv  *Server
	conn *websocket.Conn
	sub  *broadcast.Subscriber
	fp   string
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("api_key")
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key == "" {
		s.writeError(w, s.now(), ErrMissingAPIKey)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade: %v", err)
		return
	}

	sess := &session{
		srv:  s,
		conn: conn,
		sub:  s.broadcaster.Register(),
		fp:   idhash.KeyFingerprint(key),
	}
	s.logger.Printf("websocket client connected (key %s, subscriber %s)", sess.fp, sess.sub.ID)

	sess.reply(broadcast.EventConnected, map[string]any{"status": "Connected to Token Metrics Service"})

	go sess.writePump()
	sess.readPump(r.Context())
}

func (c *session) readPump(ctx context.Context) {
	defer func() {
		c.srv.broadcaster.Remove(c.sub.ID)
		c.conn.Close()
		c.srv.logger.Printf("websocket client disconnected (key %s)", c.fp)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.srv.logger.Printf("websocket read: %v", err)
			}
			return
		}
		c.handle(ctx, raw)
	}
}

func (c *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sub.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.srv.logger.Printf("websocket write: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *session) handle(ctx context.Context, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.fail("malformed message")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	switch msg.Event {
	case EventSubscribeToken:
		c.subscribeToken(ctx, msg.Data)
	case EventUnsubscribeToken:
		c.unsubscribeToken(ctx, msg.Data)
	case EventSubscribeMarket:
		c.subscribeMarket(ctx)
	case EventUnsubscribeMarket:
		c.unsubscribeMarket()
	default:
		c.fail(fmt.Sprintf("unknown event: %q", msg.Event))
	}
}

func (c *session) subscribeToken(ctx context.Context, data json.RawMessage) {
	req, key, ok := c.parseTokenRequest(data)
	if !ok {
		return
	}
	metrics := req.Metrics
	if len(metrics) == 0 {
		metrics = defaultTokenMetrics
	}

	asset, err := c.srv.query.Resolve(ctx, key)
	if err != nil {
		c.fail("Subscription error: " + err.Error())
		return
	}
	// Join the topic before reading the snapshot so a cycle committing in
	// between still reaches this session through the topic.
	if err := c.srv.broadcaster.Subscribe(c.sub.ID, broadcast.AssetTopic(asset.ID)); err != nil {
		c.fail("Subscription error: " + err.Error())
		return
	}
	snap, err := c.srv.query.LatestSnapshot(ctx, asset.ID)
	if err != nil {
		c.srv.logger.Printf("initial snapshot for asset %d: %v", asset.ID, err)
	}

	c.reply(broadcast.EventSubscribed, map[string]any{
		"token_id": req.TokenID,
		"metrics":  metrics,
		"status":   "Successfully subscribed to token updates",
	})
	if snap != nil {
		c.reply(broadcast.EventTokenUpdate, broadcast.NewTokenUpdate(asset, snap))
	}
}

func (c *session) unsubscribeToken(ctx context.Context, data json.RawMessage) {
	req, key, ok := c.parseTokenRequest(data)
	if !ok {
		return
	}

	asset, err := c.srv.query.Resolve(ctx, key)
	if err != nil {
		c.fail("Unsubscription error: " + err.Error())
		return
	}
	if err := c.srv.broadcaster.Unsubscribe(c.sub.ID, broadcast.AssetTopic(asset.ID)); err != nil {
		c.fail("Unsubscription error: " + err.Error())
		return
	}

	c.reply(broadcast.EventUnsubscribed, map[string]any{
		"token_id": req.TokenID,
		"status":   "Successfully unsubscribed from token updates",
	})
}

func (c *session) subscribeMarket(ctx context.Context) {
	if err := c.srv.broadcaster.Subscribe(c.sub.ID, broadcast.MarketTopic); err != nil {
		c.fail("Market subscription error: " + err.Error())
		return
	}
	c.reply(broadcast.EventMarketSubscribed, map[string]any{
		"status": "Successfully subscribed to market updates",
	})

	overview, err := c.srv.query.MarketOverview(ctx)
	if err != nil {
		c.srv.logger.Printf("initial market overview: %v", err)
		return
	}
	c.reply(broadcast.EventMarketUpdate, overview)
}

func (c *session) unsubscribeMarket() {
	if err := c.srv.broadcaster.Unsubscribe(c.sub.ID, broadcast.MarketTopic); err != nil {
		c.fail("Market unsubscription error: " + err.Error())
		return
	}
	c.reply(broadcast.EventMarketUnsubscribed, map[string]any{
		"status": "Successfully unsubscribed from market updates",
	})
}

// parseTokenRequest decodes a token frame. token_id may be a JSON string or number.
func (c *session) parseTokenRequest(data json.RawMessage) (*tokenRequest, string, bool) {
	var req tokenRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			c.fail("malformed message")
			return nil, "", false
		}
	}

	key := tokenKey(req.TokenID)
	if key == "" {
		c.fail("token_id is required")
		return nil, "", false
	}
	return &req, key, true
}

func tokenKey(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t <= 0 {
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func (c *session) reply(event string, data any) {
	if _, err := c.srv.broadcaster.Send(c.sub.ID, broadcast.Message{Event: event, Data: data}); err != nil {
		c.srv.logger.Printf("reply %s: %v", event, err)
	}
}

func (c *session) fail(message string) {
	c.reply(broadcast.EventError, map[string]any{"message": message})
}
