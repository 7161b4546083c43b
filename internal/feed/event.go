package feed

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a feed event.
type Kind string

const (
	KindDonation               Kind = "donation"
	KindFollow                 Kind = "follow"
	KindSubscription           Kind = "subscription"
	KindGiftSubscription       Kind = "gift_subscription"
	KindCheer                  Kind = "cheer"
	KindChannelPointRedemption Kind = "channel_point_redemption"
	KindRaid                   Kind = "raid"
	KindUnknown                Kind = "unknown"
)

// Platform identifies the webhook source an event came from.
type Platform string

const (
	PlatformKofi   Platform = "kofi"
	PlatformTwitch Platform = "twitch"
)

// Draft is what a source adapter produces: a normalized event that has not
// been stamped by the feed yet.
type Draft struct {
	Kind    Kind
	Message string
	Source  Platform
}

// Event is the canonical, normalized feed entry sent to viewers.
// Events are passed and stored by value and never modified after Ingest.
type Event struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Kind       Kind      `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
	Source     Platform  `json:"source"`
}

func newEvent(d Draft, seq uint64, at time.Time) Event {
	kind := d.Kind
	if kind == "" {
		kind = KindUnknown
	}
	return Event{
		ID:         uuid.New().String(),
		Seq:        seq,
		Kind:       kind,
		Message:    d.Message,
		OccurredAt: at,
		Source:     d.Source,
	}
}

// EventID formats the stream id of an event: the service epoch and the
// event sequence number, e.g. "1f0c9a2b-42".
func EventID(epoch string, seq uint64) string {
	return epoch + "-" + strconv.FormatUint(seq, 10)
}

// ParseEventID splits an id produced by EventID.
func ParseEventID(raw string) (epoch string, seq uint64, ok bool) {
	raw = strings.TrimSpace(raw)
	i := strings.LastIndexByte(raw, '-')
	if i <= 0 {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(raw[i+1:], 10, 64)
	if err != nil || seq == 0 {
		return "", 0, false
	}
	return raw[:i], seq, true
}
