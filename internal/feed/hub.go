package feed

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hub tracks live sessions and fans frames out to them.
// Delivery is independent per session: a failed push closes only that session.
type Hub struct {
	mu         sync.RWMutex
	sessions   map[*Session]struct{}
	bufferSize int
	logger     *zap.Logger
}

// NewHub creates a Hub whose sessions queue up to bufferSize live frames.
func NewHub(bufferSize int, logger *zap.Logger) *Hub {
	if bufferSize < 1 {
		bufferSize = 256
	}
	return &Hub{
		sessions:   make(map[*Session]struct{}),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe registers a new session. The replay frames are queued ahead of any
// live frame, then the session goes live.
func (h *Hub) Subscribe(replay []Frame) *Session {
	sess := newSession(h, h.bufferSize+len(replay))
	for _, f := range replay {
		// Capacity covers the replay, so this cannot fail.
		_ = sess.push(f)
	}

	h.mu.Lock()
	h.sessions[sess] = struct{}{}
	h.mu.Unlock()
	sess.state.Store(int32(StateLive))

	h.logger.Debug("session registered",
		zap.String("session", sess.id),
		zap.Int("replayed", len(replay)),
	)
	return sess
}

// Unsubscribe closes and removes sess. Removing a session twice is a no-op.
func (h *Hub) Unsubscribe(sess *Session) {
	sess.Close()
}

// Publish sends ev to every live session.
func (h *Hub) Publish(ev Event) {
	h.broadcast(Frame{Type: FrameData, Event: ev, At: ev.OccurredAt})
}

// BroadcastControl sends a control frame (clear or ping) to every live session.
func (h *Hub) BroadcastControl(t FrameType, at time.Time) {
	h.broadcast(Frame{Type: t, At: at})
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll closes every session, used on shutdown.
func (h *Hub) CloseAll() {
	for _, sess := range h.list() {
		sess.Close()
	}
}

func (h *Hub) broadcast(f Frame) {
	var failed []*Session
	h.mu.RLock()
	for sess := range h.sessions {
		if err := sess.push(f); err != nil {
			h.logger.Debug("dropping session",
				zap.String("session", sess.id),
				zap.String("frame", string(f.Type)),
				zap.Error(err),
			)
			failed = append(failed, sess)
		}
	}
	h.mu.RUnlock()

	for _, sess := range failed {
		sess.Close()
	}
}

func (h *Hub) remove(sess *Session) {
	h.mu.Lock()
	_, ok := h.sessions[sess]
	delete(h.sessions, sess)
	h.mu.Unlock()

	if ok {
		h.logger.Debug("session unregistered", zap.String("session", sess.id))
	}
}

func (h *Hub) list() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Session, 0, len(h.sessions))
	for sess := range h.sessions {
		out = append(out, sess)
	}
	return out
}
