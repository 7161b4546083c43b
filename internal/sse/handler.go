// Package sse streams the activity feed to browsers as server-sent events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/activity-feed/internal/feed"
)

const (
	// Time allowed to write a frame to the viewer.
	writeWait = 10 * time.Second

	// Reconnect delay suggested to EventSource clients.
	retryDelay = 3 * time.Second
)

// Handler serves GET /events.
type Handler struct {
	feed   *feed.Service
	logger *zap.Logger
}

// NewHandler creates an SSE handler backed by svc.
func NewHandler(svc *feed.Service, logger *zap.Logger) *Handler {
	return &Handler{feed: svc, logger: logger}
}

// ServeHTTP registers a session for the viewer and writes its frames until the
// viewer goes away, a write fails, or the feed shuts down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	lastID := lastEventID(r)
	epoch := h.feed.Epoch()
	sess := h.feed.Subscribe(feed.SubscribeOptions{LastEventID: lastID})
	defer sess.Close()

	h.logger.Info("viewer connected",
		zap.String("session", sess.ID()),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("last_event_id", lastID),
	)

	rc := http.NewResponseController(w)
	write := func(b []byte) error {
		// Not every writer supports deadlines; a missing one is not fatal.
		_ = rc.SetWriteDeadline(time.Now().Add(writeWait))
		if _, err := w.Write(b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := write([]byte(fmt.Sprintf("retry: %d\n\n", retryDelay.Milliseconds()))); err != nil {
		h.logger.Debug("failed to write to viewer", zap.String("session", sess.ID()), zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("viewer disconnected", zap.String("session", sess.ID()))
			return
		case <-sess.Done():
			h.logger.Debug("session closed", zap.String("session", sess.ID()))
			return
		case f := <-sess.Frames():
			payload, err := Encode(f, epoch)
			if err != nil {
				h.logger.Warn("failed to encode frame", zap.String("frame", string(f.Type)), zap.Error(err))
				continue
			}
			if err := write(payload); err != nil {
				h.logger.Debug("failed to write to viewer", zap.String("session", sess.ID()), zap.Error(err))
				return
			}
		}
	}
}

type controlData struct {
	Time time.Time `json:"time"`
}

// Encode renders a frame in text/event-stream format. Data frames carry the
// feed event id as the SSE id so browsers resume with Last-Event-ID.
func Encode(f feed.Frame, epoch string) ([]byte, error) {
	switch f.Type {
	case feed.FrameData:
		data, err := json.Marshal(f.Event)
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("id: %s\ndata: %s\n\n", feed.EventID(epoch, f.Event.Seq), data)), nil
	case feed.FrameClear, feed.FramePing:
		data, err := json.Marshal(controlData{Time: f.At.UTC()})
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", f.Type, data)), nil
	default:
		return nil, fmt.Errorf("unknown frame type: %q", f.Type)
	}
}

// lastEventID reads the resume position from the Last-Event-ID header, or the
// lastEventId query parameter for clients that cannot set headers.
func lastEventID(r *http.Request) string {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	return strings.TrimSpace(raw)
}
