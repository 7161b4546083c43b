// Package twitch handles Twitch EventSub webhooks and subscription registration.
package twitch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/activity-feed/internal/dedupe"
	"github.com/dgnsrekt/activity-feed/internal/feed"
)

var (
	ErrInvalidSignature = errors.New("twitch: signature mismatch")
	ErrStaleMessage     = errors.New("twitch: message timestamp too old")
)

const (
	maxBodySize     = 512 * 1024
	signaturePrefix = "sha256="
)

// Ingester receives normalized events.
type Ingester interface {
	Ingest(d feed.Draft) feed.Event
}

// Verifier checks EventSub message signatures.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier for the webhook secret. A zero maxAge
// disables the timestamp check. An empty secret rejects every message.
func NewVerifier(secret string, maxAge time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), maxAge: maxAge, now: time.Now}
}

// Sign returns the signature header value for a message.
func (v *Verifier) Sign(id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(id))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature and, when enabled, that the message timestamp
// is within maxAge of now.
func (v *Verifier) Verify(id, timestamp, signature string, body []byte) error {
	if len(v.secret) == 0 || signature == "" {
		return ErrInvalidSignature
	}
	expected := v.Sign(id, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrInvalidSignature
	}

	// A timestamp too far in the future would outlive the redelivery window,
	// so the age bound applies in both directions.
	if v.maxAge > 0 {
		sent, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return ErrStaleMessage
		}
		if age := v.now().Sub(sent); age > v.maxAge || age < -v.maxAge {
			return ErrStaleMessage
		}
	}
	return nil
}

// Handler serves POST /twitch.
type Handler struct {
	verifier   *Verifier
	normalizer *Normalizer
	feed       Ingester
	recent     *dedupe.Recent
	logger     *zap.Logger
}

// NewHandler creates the EventSub webhook handler.
func NewHandler(verifier *Verifier, ingester Ingester, logger *zap.Logger) *Handler {
	return &Handler{
		verifier:   verifier,
		normalizer: NewNormalizer(logger),
		feed:       ingester,
		recent:     dedupe.NewRecent(dedupe.DefaultLimit),
		logger:     logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.logger.Warn("failed to read twitch body", zap.Error(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	msgType := r.Header.Get(HeaderMessageType)
	msgID := r.Header.Get(HeaderMessageID)

	var env Envelope
	decodeErr := json.Unmarshal(body, &env)

	// The handshake has no side effect, so it is answered before verification.
	if msgType == MessageTypeVerification {
		if decodeErr != nil {
			h.logger.Warn("failed to decode twitch verification", zap.Error(decodeErr))
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		h.logger.Info("twitch webhook verification",
			zap.String("subscription", env.Subscription.Type),
			zap.String("subscription_id", env.Subscription.ID))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(env.Challenge))
		return
	}

	err = h.verifier.Verify(msgID, r.Header.Get(HeaderMessageTimestamp), r.Header.Get(HeaderMessageSignature), body)
	if err != nil {
		h.logger.Warn("rejected twitch webhook",
			zap.String("message_id", msgID),
			zap.String("message_type", msgType),
			zap.Error(err))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if !h.recent.Add(msgID) {
		h.logger.Debug("dropping redelivered twitch message", zap.String("message_id", msgID))
		w.WriteHeader(http.StatusOK)
		return
	}

	switch msgType {
	case MessageTypeNotification:
		h.notify(msgID, env, decodeErr)
	case MessageTypeRevocation:
		h.logger.Warn("twitch subscription revoked",
			zap.String("subscription", env.Subscription.Type),
			zap.String("subscription_id", env.Subscription.ID),
			zap.String("status", env.Subscription.Status))
	default:
		h.logger.Debug("ignoring twitch message", zap.String("message_type", msgType))
	}

	w.WriteHeader(http.StatusOK)
}

// notify publishes a verified notification. Failures are logged; Twitch is
// always acknowledged so it does not retry.
func (h *Handler) notify(msgID string, env Envelope, decodeErr error) {
	if decodeErr != nil {
		h.logger.Error("failed to decode twitch notification",
			zap.String("message_id", msgID), zap.Error(decodeErr))
		return
	}

	draft, err := h.normalizer.Normalize(env.Subscription.Type, env.Event)
	if err != nil {
		h.logger.Error("failed to normalize twitch notification",
			zap.String("message_id", msgID),
			zap.String("subscription", env.Subscription.Type),
			zap.Error(err))
		return
	}

	ev := h.feed.Ingest(draft)
	h.logger.Info("twitch event",
		zap.String("id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("message", ev.Message))
}
