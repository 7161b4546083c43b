package kofi

import (
	"strings"

	"github.com/dgnsrekt/activity-feed/internal/lenient"
)

// Payload is the Ko-fi webhook body. Only the fields shown in the feed are decoded.
type Payload struct {
	VerificationToken      lenient.String `json:"verification_token"`
	VerificationTokenCamel lenient.String `json:"verificationToken"`
	Type                   lenient.String `json:"type"`
	FromName               lenient.String `json:"from_name"`
	Message                lenient.String `json:"message"`
	Amount                 lenient.String `json:"amount"`
	Currency               lenient.String `json:"currency"`
	IsPublic               lenient.String `json:"is_public"`
	IsSubscriptionPayment  lenient.Bool   `json:"is_subscription_payment"`
	TierName               lenient.String `json:"tier_name"`
	TransactionID          lenient.String `json:"kofi_transaction_id"`
}

// Token returns the verification token from whichever field carried it.
func (p Payload) Token() string {
	if tok := p.VerificationToken.String(); tok != "" {
		return tok
	}
	return p.VerificationTokenCamel.String()
}

func (p Payload) isSubscription() bool {
	return strings.EqualFold(p.Type.String(), "Subscription") || bool(p.IsSubscriptionPayment)
}

// visibleMessage hides the supporter's note when they marked it private.
// A missing is_public flag counts as public.
func (p Payload) visibleMessage() string {
	if strings.EqualFold(p.IsPublic.String(), "false") {
		return ""
	}
	return p.Message.String()
}
