package twitch

import (
	"bytes"
	"encoding/json"

	"github.com/dgnsrekt/activity-feed/internal/lenient"
)

// EventSub message types carried in the Twitch-Eventsub-Message-Type header.
const (
	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeNotification = "notification"
	MessageTypeRevocation   = "revocation"
)

// EventSub request headers.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
)

// EventSub subscription types handled by the feed.
const (
	TypeFollow           = "channel.follow"
	TypeSubscribe        = "channel.subscribe"
	TypeSubscriptionMsg  = "channel.subscription.message"
	TypeSubscriptionGift = "channel.subscription.gift"
	TypeCheer            = "channel.cheer"
	TypeRedemption       = "channel.channel_points_custom_reward_redemption.add"
	TypeRaid             = "channel.raid"
)

// Envelope is the outer body of every EventSub webhook request.
type Envelope struct {
	Challenge    string          `json:"challenge"`
	Subscription Subscription    `json:"subscription"`
	Event        json.RawMessage `json:"event"`
}

// Subscription describes the EventSub subscription a message belongs to.
type Subscription struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

type followEvent struct {
	UserName lenient.String `json:"user_name"`
}

type subscribeEvent struct {
	UserName lenient.String `json:"user_name"`
	Tier     lenient.String `json:"tier"`
	IsGift   lenient.Bool   `json:"is_gift"`
}

type subscriptionMessageEvent struct {
	UserName         lenient.String `json:"user_name"`
	Tier             lenient.String `json:"tier"`
	CumulativeMonths lenient.Int    `json:"cumulative_months"`
	Message          messageText    `json:"message"`
}

type giftEvent struct {
	UserName          lenient.String `json:"user_name"`
	IsAnonymous       lenient.Bool   `json:"is_anonymous"`
	Tier              lenient.String `json:"tier"`
	Total             lenient.Int    `json:"total"`
	RecipientUserName lenient.String `json:"recipient_user_name"`
}

type cheerEvent struct {
	UserName    lenient.String `json:"user_name"`
	IsAnonymous lenient.Bool   `json:"is_anonymous"`
	Bits        lenient.Int    `json:"bits"`
	Message     messageText    `json:"message"`
}

type redemptionEvent struct {
	UserName  lenient.String `json:"user_name"`
	UserInput lenient.String `json:"user_input"`
	Reward    struct {
		Title lenient.String `json:"title"`
	} `json:"reward"`
}

type raidEvent struct {
	FromBroadcasterUserName lenient.String `json:"from_broadcaster_user_name"`
	Viewers                 lenient.Int    `json:"viewers"`
}

// messageText is a chat message that arrives either as a plain string or as
// an object with a "text" field, or not at all.
type messageText string

func (m *messageText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Text lenient.String `json:"text"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			*m = ""
			return nil
		}
		*m = messageText(obj.Text.String())
		return nil
	}

	var s lenient.String
	_ = s.UnmarshalJSON(data)
	*m = messageText(s.String())
	return nil
}
