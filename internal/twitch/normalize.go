package twitch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/dgnsrekt/activity-feed/internal/feed"
	"github.com/dgnsrekt/activity-feed/internal/lenient"
)

var cheermote = regexp.MustCompile(`(?i)\bcheer\d+\b`)

// Normalizer maps EventSub notifications to feed drafts.
type Normalizer struct {
	logger *zap.Logger
}

// NewNormalizer creates a normalizer. Decode problems are logged, not returned.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize renders one notification. It only fails if rendering panics;
// malformed or missing fields degrade to placeholders.
func (n *Normalizer) Normalize(subType string, raw json.RawMessage) (d feed.Draft, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("normalize %s: panic: %v", subType, r)
		}
	}()

	d = feed.Draft{Source: feed.PlatformTwitch}
	switch strings.TrimPrefix(subType, "channel.") {
	case "follow":
		var ev followEvent
		n.decode(subType, raw, &ev)
		d.Kind = feed.KindFollow
		d.Message = "🟣 Follow: " + ev.UserName.Or("Unknown")

	case "subscribe":
		var ev subscribeEvent
		n.decode(subType, raw, &ev)
		d.Kind = feed.KindSubscription
		detail := tierLabel(ev.Tier)
		if ev.IsGift {
			// The gifter gets its own subscription.gift line.
			detail += ", gifted"
		}
		d.Message = fmt.Sprintf("💜 Sub: %s (%s)", ev.UserName.Or("Unknown"), detail)

	case "subscription.message":
		var ev subscriptionMessageEvent
		n.decode(subType, raw, &ev)
		d.Kind = feed.KindSubscription
		detail := tierLabel(ev.Tier)
		if ev.CumulativeMonths > 0 {
			detail += fmt.Sprintf(", %d months", ev.CumulativeMonths)
		}
		d.Message = withQuote(fmt.Sprintf("💜 Resub: %s (%s)", ev.UserName.Or("Unknown"), detail), string(ev.Message))

	case "subscription.gift":
		var ev giftEvent
		n.decode(subType, raw, &ev)
		d.Kind = feed.KindGiftSubscription
		d.Message = giftLine(ev)

	case "cheer":
		var ev cheerEvent
		n.decode(subType, raw, &ev)
		d.Kind = feed.KindCheer
		name := displayName(ev.UserName, ev.IsAnonymous)
		d.Message = withQuote(fmt.Sprintf("💎 Bits: %s sent %s bits!", name, ev.Bits.Or("?")), stripCheermotes(string(ev.Message)))

	case "channel_points_custom_reward_redemption.add":
		var ev redemptionEvent
		n.decode(subType, raw, &ev)
		d.Kind = feed.KindChannelPointRedemption
		line := fmt.Sprintf("🎯 %s redeemed %s", ev.UserName.Or("Unknown"), ev.Reward.Title.Or("a reward"))
		if input := ev.UserInput.String(); input != "" {
			line += ": " + input
		}
		d.Message = line

	case "raid":
		var ev raidEvent
		n.decode(subType, raw, &ev)
		d.Kind = feed.KindRaid
		d.Message = fmt.Sprintf("🚀 Raid: %s with %s viewers", ev.FromBroadcasterUserName.Or("Unknown"), ev.Viewers.Or("?"))

	default:
		d.Kind = feed.KindUnknown
		d.Message = "❔ Twitch event: " + orUnknown(subType)
	}
	return d, nil
}

func (n *Normalizer) decode(subType string, raw json.RawMessage, v any) {
	if len(raw) == 0 {
		n.logger.Warn("twitch notification without event", zap.String("type", subType))
		return
	}
	if err := json.Unmarshal(raw, v); err != nil {
		n.logger.Warn("failed to decode twitch event, using placeholders",
			zap.String("type", subType), zap.Error(err))
	}
}

func giftLine(ev giftEvent) string {
	gifter := displayName(ev.UserName, ev.IsAnonymous)
	tier := tierLabel(ev.Tier)
	if recipient := ev.RecipientUserName.String(); recipient != "" {
		return fmt.Sprintf("🎁 Gift Sub: %s → %s (%s)", gifter, recipient, tier)
	}
	switch {
	case ev.Total == 1:
		return fmt.Sprintf("🎁 Gift Sub: %s gifted 1 sub (%s)", gifter, tier)
	case ev.Total > 1:
		return fmt.Sprintf("🎁 Gift Sub: %s gifted %d subs (%s)", gifter, ev.Total, tier)
	default:
		return fmt.Sprintf("🎁 Gift Sub: %s gifted subs (%s)", gifter, tier)
	}
}

func tierLabel(tier lenient.String) string {
	switch strings.ToLower(tier.String()) {
	case "1000":
		return "Tier 1"
	case "2000":
		return "Tier 2"
	case "3000":
		return "Tier 3"
	case "prime":
		return "Prime"
	default:
		return "Tier ?"
	}
}

func displayName(name lenient.String, anonymous lenient.Bool) string {
	if anonymous {
		return "Anonymous"
	}
	return name.Or("Anonymous")
}

// stripCheermotes removes bit tokens like "cheer100" and collapses whitespace.
func stripCheermotes(text string) string {
	return strings.Join(strings.Fields(cheermote.ReplaceAllString(text, " ")), " ")
}

func withQuote(line, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return line
	}
	return line + " – \"" + text + "\""
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return s
}
