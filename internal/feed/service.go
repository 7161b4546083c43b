package feed

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds feed tuning parameters.
type Config struct {
	Capacity          int           // history size
	HeartbeatInterval time.Duration // ping frame period
	SessionBuffer     int           // queued live frames per viewer before it is dropped

	// ReplayLimit is the number of events replayed to a new viewer.
	// Unlike the fields above it is not defaulted: zero disables replay.
	ReplayLimit int

	// Now overrides the ingestion clock, for tests.
	Now func() time.Time
}

// DefaultConfig returns the values observed in production.
func DefaultConfig() Config {
	return Config{
		Capacity:          DefaultCapacity,
		ReplayLimit:       25,
		HeartbeatInterval: 55 * time.Second,
		SessionBuffer:     256,
	}
}

// SubscribeOptions controls the replay a new session receives.
type SubscribeOptions struct {
	// LastEventID is the id of the last event the viewer saw, taken from the
	// SSE Last-Event-ID header on reconnect. Empty means none.
	LastEventID string
	// LiveOnly skips the replay; the session only sees frames published
	// after it subscribed.
	LiveOnly bool
}

// Service owns the history and the hub. Every mutation of shared feed state
// goes through its lock, so all sessions observe the same order of events and
// clears.
type Service struct {
	mu      sync.Mutex
	history *History
	hub     *Hub
	cfg     Config
	seq     uint64
	cleared uint64 // seq at the most recent clear
	epoch   string // distinguishes event ids of this process from earlier ones
	last    time.Time
	closed  bool
	now     func() time.Time
	logger  *zap.Logger
}

// NewService creates a feed service.
func NewService(cfg Config, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.Capacity < 1 {
		cfg.Capacity = def.Capacity
	}
	if cfg.ReplayLimit < 0 {
		cfg.ReplayLimit = 0
	}
	if cfg.ReplayLimit > cfg.Capacity {
		cfg.ReplayLimit = cfg.Capacity
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SessionBuffer < 1 {
		cfg.SessionBuffer = def.SessionBuffer
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		history: NewHistory(cfg.Capacity),
		hub:     NewHub(cfg.SessionBuffer, logger),
		cfg:     cfg,
		epoch:   uuid.New().String()[:8],
		now:     now,
		logger:  logger,
	}
}

// Ingest stamps d, appends it to the history and publishes it to every viewer.
func (s *Service) Ingest(d Draft) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	if at.Before(s.last) {
		at = s.last
	}
	s.last = at
	s.seq++

	ev := newEvent(d, s.seq, at)
	s.history.Append(ev)
	s.hub.Publish(ev)

	s.logger.Info("event ingested",
		zap.String("id", ev.ID),
		zap.Uint64("seq", ev.Seq),
		zap.String("kind", string(ev.Kind)),
		zap.String("source", string(ev.Source)),
		zap.Int("subscribers", s.hub.Len()),
	)
	return ev
}

// Clear empties the history and tells every viewer to reset its view.
// It returns the number of events dropped.
func (s *Service) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.history.Len()
	s.history.Clear()
	s.cleared = s.seq
	s.hub.BroadcastControl(FrameClear, s.now())

	s.logger.Info("history cleared",
		zap.Int("dropped", n),
		zap.Int("subscribers", s.hub.Len()),
	)
	return n
}

// Subscribe registers a viewer session. The session first receives a replay,
// oldest first, then live frames. If opts carries a LastEventID still covered
// by the history only the missed events are replayed; otherwise the viewer is
// sent a clear frame followed by the regular replay window.
func (s *Service) Subscribe(opts SubscribeOptions) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var replay []Frame
	switch {
	case opts.LiveOnly:
	case opts.LastEventID != "":
		if missed, ok := s.resume(opts.LastEventID); ok {
			replay = dataFrames(missed)
		} else {
			replay = append(replay, Frame{Type: FrameClear, At: s.now()})
			if s.cfg.ReplayLimit > 0 {
				replay = append(replay, dataFrames(s.history.newestFirst(s.cfg.ReplayLimit))...)
			}
		}
	case s.cfg.ReplayLimit > 0:
		replay = dataFrames(s.history.newestFirst(s.cfg.ReplayLimit))
	}

	sess := s.hub.Subscribe(replay)
	if s.closed {
		sess.Close()
	}
	return sess
}

func (s *Service) resume(raw string) ([]Event, bool) {
	epoch, lastID, ok := ParseEventID(raw)
	if !ok || epoch != s.epoch {
		// Unknown format, or an id handed out by an earlier process.
		return nil, false
	}
	if lastID > s.seq {
		// Not an id this service handed out.
		return nil, false
	}
	if lastID <= s.cleared {
		// The viewer may still show events cleared since.
		return nil, false
	}
	return s.history.Since(lastID)
}

// Snapshot returns up to limit retained events, newest first.
func (s *Service) Snapshot(limit int) iter.Seq[Event] {
	return s.history.Snapshot(limit)
}

// Heartbeat sends a ping frame to every viewer.
func (s *Service) Heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub.BroadcastControl(FramePing, s.now())
}

// RunHeartbeat sends a ping frame every HeartbeatInterval until ctx is cancelled.
func (s *Service) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	s.logger.Info("heartbeat started", zap.Duration("interval", s.cfg.HeartbeatInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("heartbeat stopping")
			return
		case <-ticker.C:
			s.Heartbeat()
		}
	}
}

// Epoch returns the prefix of every event id handed out by this service.
func (s *Service) Epoch() string {
	return s.epoch
}

// Subscribers returns the number of live sessions.
func (s *Service) Subscribers() int {
	return s.hub.Len()
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Close tears down every live session. Sessions opened afterwards are
// returned already closed.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.hub.CloseAll()
}

// dataFrames converts newest-first events into oldest-first data frames.
func dataFrames(newestFirst []Event) []Frame {
	frames := make([]Frame, 0, len(newestFirst))
	for _, ev := range slices.Backward(newestFirst) {
		frames = append(frames, Frame{Type: FrameData, Event: ev, At: ev.OccurredAt})
	}
	return frames
}
