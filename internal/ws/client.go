// Package ws streams the activity feed over WebSocket for overlay clients that
// prefer it to server-sent events.
package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/activity-feed/internal/feed"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Viewers only send control frames.
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The viewer endpoint is public, like /events.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope written for every frame.
// ID is set on data frames; pass it back as lastEventId to resume.
type Message struct {
	Type  feed.FrameType `json:"type"`
	ID    string         `json:"id,omitempty"`
	Event *feed.Event    `json:"event,omitempty"`
	Time  time.Time      `json:"time"`
}

// Handler serves GET /ws.
type Handler struct {
	feed   *feed.Service
	logger *zap.Logger
}

// NewHandler creates a WebSocket handler backed by svc.
func NewHandler(svc *feed.Service, logger *zap.Logger) *Handler {
	return &Handler{feed: svc, logger: logger}
}

// client is one upgraded viewer connection bound to a feed session.
type client struct {
	conn    *websocket.Conn
	session *feed.Session
	epoch   string
	logger  *zap.Logger
}

// ServeHTTP upgrades the connection and starts the read and write pumps.
// A lastEventId query parameter resumes like the SSE Last-Event-ID header.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:    conn,
		session: h.feed.Subscribe(feed.SubscribeOptions{LastEventID: r.URL.Query().Get("lastEventId")}),
		epoch:   h.feed.Epoch(),
		logger:  h.logger,
	}

	h.logger.Info("websocket viewer connected",
		zap.String("session", c.session.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	go c.writePump()
	go c.readPump()
}

// readPump discards viewer messages and detects disconnects.
func (c *client) readPump() {
	defer func() {
		c.session.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("session", c.session.ID()),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// writePump writes session frames and protocol pings to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.session.Close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.session.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case f := <-c.session.Frames():
			payload, err := Encode(f, c.epoch)
			if err != nil {
				c.logger.Warn("failed to encode frame", zap.String("frame", string(f.Type)), zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("session", c.session.ID()),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Encode renders a frame as a JSON text message.
func Encode(f feed.Frame, epoch string) ([]byte, error) {
	msg := Message{Type: f.Type, Time: f.At.UTC()}
	if f.Type == feed.FrameData {
		ev := f.Event
		msg.Event = &ev
		msg.ID = feed.EventID(epoch, ev.Seq)
	}
	return json.Marshal(msg)
}
