package feed

import (
	"context"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// queued returns every frame currently waiting on sess without blocking.
func queued(sess *Session) []Frame {
	var out []Frame
	for {
		select {
		case f := <-sess.Frames():
			out = append(out, f)
		default:
			return out
		}
	}
}

func frameTypes(frames []Frame) []FrameType {
	out := make([]FrameType, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func dataSeqs(frames []Frame) []uint64 {
	var out []uint64
	for _, f := range frames {
		if f.Type == FrameData {
			out = append(out, f.Event.Seq)
		}
	}
	return out
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	return NewService(cfg, zaptest.NewLogger(t))
}

func TestService_IngestStampsEvent(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	i := 0
	svc := newTestService(t, Config{Now: func() time.Time {
		now := clock[i]
		i++
		return now
	}})

	first := svc.Ingest(Draft{Kind: KindFollow, Message: "🟣 Follow: Ada", Source: PlatformTwitch})
	second := svc.Ingest(Draft{Kind: KindCheer, Message: "💎 Bits", Source: PlatformTwitch})
	third := svc.Ingest(Draft{Message: "?", Source: PlatformKofi})

	if first.ID == "" || first.ID == second.ID {
		t.Errorf("expected unique ids, got %q and %q", first.ID, second.ID)
	}
	if first.Seq != 1 || second.Seq != 2 || third.Seq != 3 {
		t.Errorf("expected seqs 1,2,3, got %d,%d,%d", first.Seq, second.Seq, third.Seq)
	}
	if second.OccurredAt.Before(first.OccurredAt) {
		t.Errorf("occurredAt went backwards: %v then %v", first.OccurredAt, second.OccurredAt)
	}
	if !third.OccurredAt.Equal(base.Add(time.Second)) {
		t.Errorf("expected clock time for third event, got %v", third.OccurredAt)
	}
	if third.Kind != KindUnknown {
		t.Errorf("expected empty kind to become unknown, got %q", third.Kind)
	}
}

func TestService_ReplayOldestFirst(t *testing.T) {
	svc := newTestService(t, Config{Capacity: 10, ReplayLimit: 3})
	for i := 0; i < 5; i++ {
		svc.Ingest(Draft{Kind: KindDonation})
	}

	sess := svc.Subscribe(SubscribeOptions{})
	defer sess.Close()

	if sess.State() != StateLive {
		t.Fatalf("expected live session, got %s", sess.State())
	}
	got := dataSeqs(queued(sess))
	if !slices.Equal(got, []uint64{3, 4, 5}) {
		t.Errorf("expected replay [3 4 5], got %v", got)
	}
}

func TestService_LiveEventsInOrder(t *testing.T) {
	svc := newTestService(t, Config{ReplayLimit: 25})
	a := svc.Subscribe(SubscribeOptions{})
	b := svc.Subscribe(SubscribeOptions{})
	defer a.Close()
	defer b.Close()

	for i := 0; i < 10; i++ {
		svc.Ingest(Draft{Kind: KindFollow})
	}

	want := []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	for name, sess := range map[string]*Session{"a": a, "b": b} {
		if got := dataSeqs(queued(sess)); !slices.Equal(got, want) {
			t.Errorf("session %s: expected %v, got %v", name, want, got)
		}
	}
}

func TestService_ClearOrdersAgainstEvents(t *testing.T) {
	svc := newTestService(t, Config{})
	sess := svc.Subscribe(SubscribeOptions{})
	defer sess.Close()

	svc.Ingest(Draft{Kind: KindRaid})
	svc.Ingest(Draft{Kind: KindRaid})
	if n := svc.Clear(); n != 2 {
		t.Errorf("expected 2 events cleared, got %d", n)
	}
	svc.Ingest(Draft{Kind: KindRaid})

	if n := len(slices.Collect(svc.Snapshot(0))); n != 1 {
		t.Errorf("expected only the post-clear event retained, got %d", n)
	}

	got := frameTypes(queued(sess))
	want := []FrameType{FrameData, FrameData, FrameClear, FrameData}
	if !slices.Equal(got, want) {
		t.Errorf("expected frames %v, got %v", want, got)
	}
}

func TestService_ClearEmptiesSnapshot(t *testing.T) {
	svc := newTestService(t, Config{})
	svc.Ingest(Draft{Kind: KindDonation})
	svc.Clear()

	if n := len(slices.Collect(svc.Snapshot(0))); n != 0 {
		t.Errorf("expected empty snapshot after clear, got %d", n)
	}

	sess := svc.Subscribe(SubscribeOptions{})
	defer sess.Close()
	if frames := queued(sess); len(frames) != 0 {
		t.Errorf("expected no replay after clear, got %v", frameTypes(frames))
	}
}

func TestService_ResumeReplaysMissedEvents(t *testing.T) {
	svc := newTestService(t, Config{Capacity: 10, ReplayLimit: 2})
	for i := 0; i < 6; i++ {
		svc.Ingest(Draft{Kind: KindFollow})
	}

	sess := svc.Subscribe(SubscribeOptions{LastEventID: EventID(svc.Epoch(), 2)})
	defer sess.Close()

	frames := queued(sess)
	if got := dataSeqs(frames); !slices.Equal(got, []uint64{3, 4, 5, 6}) {
		t.Errorf("expected missed events [3 4 5 6], got %v", got)
	}
	if frames[0].Type != FrameData {
		t.Errorf("expected no clear frame on covered resume, got %s", frames[0].Type)
	}
}

func TestService_ResumeAfterGapResets(t *testing.T) {
	tests := []struct {
		name  string
		setup func(svc *Service)
		last  func(svc *Service) string
	}{
		{
			name: "evicted",
			setup: func(svc *Service) {
				for i := 0; i < 8; i++ {
					svc.Ingest(Draft{Kind: KindFollow})
				}
			},
			last: func(svc *Service) string { return EventID(svc.Epoch(), 1) },
		},
		{
			name: "cleared",
			setup: func(svc *Service) {
				svc.Ingest(Draft{Kind: KindFollow})
				svc.Ingest(Draft{Kind: KindFollow})
				svc.Clear()
				svc.Ingest(Draft{Kind: KindFollow})
			},
			last: func(svc *Service) string { return EventID(svc.Epoch(), 2) },
		},
		{
			name: "unknown id",
			setup: func(svc *Service) {
				svc.Ingest(Draft{Kind: KindFollow})
			},
			last: func(svc *Service) string { return EventID(svc.Epoch(), 99) },
		},
		{
			// Sequence numbers restart with the process, so seq 2 of an
			// earlier run is not the same event as seq 2 here.
			name: "earlier process",
			setup: func(svc *Service) {
				for i := 0; i < 4; i++ {
					svc.Ingest(Draft{Kind: KindFollow})
				}
			},
			last: func(svc *Service) string { return EventID("0ldb00t0", 2) },
		},
		{
			name: "bare sequence number",
			setup: func(svc *Service) {
				svc.Ingest(Draft{Kind: KindFollow})
				svc.Ingest(Draft{Kind: KindFollow})
			},
			last: func(svc *Service) string { return "1" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, Config{Capacity: 4, ReplayLimit: 2})
			tt.setup(svc)

			sess := svc.Subscribe(SubscribeOptions{LastEventID: tt.last(svc)})
			defer sess.Close()

			frames := queued(sess)
			if len(frames) == 0 || frames[0].Type != FrameClear {
				t.Fatalf("expected leading clear frame, got %v", frameTypes(frames))
			}
			want := dataFrames(svc.history.newestFirst(2))
			if got := dataSeqs(frames); !slices.Equal(got, dataSeqs(want)) {
				t.Errorf("expected default window %v, got %v", dataSeqs(want), got)
			}
		})
	}
}

func TestHub_FailedSessionDoesNotAffectOthers(t *testing.T) {
	hub := NewHub(2, zap.NewNop())
	slow := hub.Subscribe(nil)
	fast := hub.Subscribe(nil)

	for i := uint64(1); i <= 3; i++ {
		hub.Publish(Event{Seq: i})
		// fast keeps up, slow never reads
		if f := <-fast.Frames(); f.Event.Seq != i {
			t.Fatalf("expected seq %d on fast session, got %d", i, f.Event.Seq)
		}
	}

	if slow.State() != StateClosed {
		t.Errorf("expected backlogged session closed, got %s", slow.State())
	}
	select {
	case <-slow.Done():
	default:
		t.Error("expected Done closed on backlogged session")
	}
	if fast.State() != StateLive {
		t.Errorf("expected healthy session live, got %s", fast.State())
	}
	if hub.Len() != 1 {
		t.Errorf("expected 1 remaining session, got %d", hub.Len())
	}
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	hub := NewHub(4, zap.NewNop())
	sess := hub.Subscribe(nil)

	hub.Unsubscribe(sess)
	hub.Unsubscribe(sess)
	sess.Close()

	if hub.Len() != 0 {
		t.Errorf("expected no sessions, got %d", hub.Len())
	}
	if sess.State() != StateClosed {
		t.Errorf("expected closed, got %s", sess.State())
	}
	if err := sess.push(Frame{Type: FramePing}); err != ErrSessionClosed {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestService_HeartbeatAndClose(t *testing.T) {
	svc := newTestService(t, Config{HeartbeatInterval: 5 * time.Millisecond})
	sess := svc.Subscribe(SubscribeOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunHeartbeat(ctx)
		close(done)
	}()

	select {
	case f := <-sess.Frames():
		if f.Type != FramePing {
			t.Errorf("expected ping frame, got %s", f.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}

	cancel()
	<-done

	svc.Close()
	if sess.State() != StateClosed {
		t.Errorf("expected session closed on shutdown, got %s", sess.State())
	}
	if svc.Subscribers() != 0 {
		t.Errorf("expected no subscribers after close, got %d", svc.Subscribers())
	}

	late := svc.Subscribe(SubscribeOptions{})
	if late.State() != StateClosed {
		t.Errorf("expected session opened after close to be closed, got %s", late.State())
	}
}

func TestService_LiveOnlySkipsReplay(t *testing.T) {
	svc := newTestService(t, Config{ReplayLimit: 25})
	svc.Ingest(Draft{Kind: KindDonation})
	svc.Ingest(Draft{Kind: KindDonation})

	sess := svc.Subscribe(SubscribeOptions{LiveOnly: true, LastEventID: EventID(svc.Epoch(), 1)})
	defer sess.Close()

	if got := queued(sess); len(got) != 0 {
		t.Fatalf("expected no replay, got %v", frameTypes(got))
	}

	svc.Ingest(Draft{Kind: KindRaid})
	if got := dataSeqs(queued(sess)); !slices.Equal(got, []uint64{3}) {
		t.Errorf("expected only live event 3, got %v", got)
	}
}

func TestEventID_RoundTrip(t *testing.T) {
	tests := []struct {
		raw   string
		epoch string
		seq   uint64
		ok    bool
	}{
		{EventID("1f0c9a2b", 42), "1f0c9a2b", 42, true},
		{" a-b-7 ", "a-b", 7, true},
		{"42", "", 0, false},
		{"-42", "", 0, false},
		{"abc-", "", 0, false},
		{"abc-0", "", 0, false},
		{"abc-x", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			epoch, seq, ok := ParseEventID(tt.raw)
			if ok != tt.ok || epoch != tt.epoch || seq != tt.seq {
				t.Errorf("ParseEventID(%q) = %q, %d, %v; want %q, %d, %v",
					tt.raw, epoch, seq, ok, tt.epoch, tt.seq, tt.ok)
			}
		})
	}
}

func TestService_EpochDiffersPerService(t *testing.T) {
	a := newTestService(t, Config{})
	b := newTestService(t, Config{})
	if a.Epoch() == "" || a.Epoch() == b.Epoch() {
		t.Errorf("expected distinct non-empty epochs, got %q and %q", a.Epoch(), b.Epoch())
	}
}
