package feed

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionClosed is returned when pushing to a session that has been torn down.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionBacklogged is returned when a session's outbound queue is full.
	ErrSessionBacklogged = errors.New("session send buffer full")
)

// FrameType distinguishes data frames from control frames on a viewer stream.
type FrameType string

const (
	FrameData  FrameType = "data"
	FrameClear FrameType = "clear"
	FramePing  FrameType = "ping"
)

// Frame is one unit pushed to a viewer. Event is only set for FrameData.
type Frame struct {
	Type  FrameType
	Event Event
	At    time.Time
}

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateLive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Session is one viewer's subscription to the feed. Frames are queued by the
// hub and drained by the transport that owns the viewer connection.
type Session struct {
	id     string
	hub    *Hub
	frames chan Frame
	done   chan struct{}
	state  atomic.Int32
	once   sync.Once
}

func newSession(hub *Hub, buffer int) *Session {
	return &Session{
		id:     uuid.New().String(),
		hub:    hub,
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Frames returns the queue of frames to deliver to the viewer.
func (s *Session) Frames() <-chan Frame { return s.frames }

// Done is closed when the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Close moves the session to StateClosed and removes it from its hub.
// It is safe to call more than once and from any goroutine.
func (s *Session) Close() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		if s.hub != nil {
			s.hub.remove(s)
		}
	})
}

// push queues f without blocking.
func (s *Session) push(f Frame) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	select {
	case s.frames <- f:
		return nil
	default:
		return ErrSessionBacklogged
	}
}
