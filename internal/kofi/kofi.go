// Package kofi turns Ko-fi webhooks into feed events.
package kofi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/dgnsrekt/activity-feed/internal/dedupe"
	"github.com/dgnsrekt/activity-feed/internal/feed"
)

var (
	ErrMalformedPayload = errors.New("kofi: malformed payload")
	ErrUnauthorized     = errors.New("kofi: invalid verification token")
	// ErrDuplicate marks a redelivery of a transaction already ingested.
	ErrDuplicate        = errors.New("kofi: duplicate transaction")
)

// maxBodySize bounds webhook bodies; Ko-fi payloads are a few hundred bytes.
const maxBodySize = 64 * 1024

// Ingester receives normalized events.
type Ingester interface {
	Ingest(d feed.Draft) feed.Event
}

// Adapter verifies and normalizes Ko-fi webhook bodies.
type Adapter struct {
	token  string
	recent *dedupe.Recent
}

// NewAdapter creates an adapter expecting the given verification token.
// An empty token rejects every request.
func NewAdapter(token string) *Adapter {
	return &Adapter{
		token:  strings.TrimSpace(token),
		recent: dedupe.NewRecent(dedupe.DefaultLimit),
	}
}

// Parse decodes, authenticates and normalizes a webhook body. A transaction
// id seen recently yields ErrDuplicate.
func (a *Adapter) Parse(contentType string, body []byte) (feed.Draft, error) {
	p, err := decode(contentType, body)
	if err != nil {
		return feed.Draft{}, err
	}

	if a.token == "" || p.Token() != a.token {
		return feed.Draft{}, ErrUnauthorized
	}
	if !a.recent.Add(p.TransactionID.String()) {
		return feed.Draft{}, fmt.Errorf("%w: %s", ErrDuplicate, p.TransactionID.String())
	}

	return feed.Draft{
		Kind:    feed.KindDonation,
		Message: Render(p),
		Source:  feed.PlatformKofi,
	}, nil
}

// Render builds the feed line for a payload. Missing fields fall back to
// placeholders.
func Render(p Payload) string {
	name := p.FromName.Or("Unknown")
	amount := strings.TrimSpace(p.Amount.Or("?") + " " + p.Currency.String())

	var b strings.Builder
	switch {
	case p.isSubscription():
		fmt.Fprintf(&b, "☕ %s subscribed", name)
		if tier := p.TierName.String(); tier != "" {
			fmt.Fprintf(&b, " (%s)", tier)
		}
		fmt.Fprintf(&b, " with %s", amount)
	case strings.EqualFold(p.Type.String(), "Shop Order"):
		fmt.Fprintf(&b, "🛍️ %s ordered from the shop for %s", name, amount)
	case strings.EqualFold(p.Type.String(), "Commission"):
		fmt.Fprintf(&b, "🎨 %s paid a commission of %s", name, amount)
	default:
		fmt.Fprintf(&b, "☕ %s donated %s", name, amount)
	}

	if msg := p.visibleMessage(); msg != "" {
		fmt.Fprintf(&b, " – \"%s\"", msg)
	}
	return b.String()
}

// decode finds the payload object. Ko-fi posts a form with a single "data"
// field holding JSON; relays sometimes post the JSON directly. If "data" is
// present but not valid JSON the outer object is used as the payload.
func decode(contentType string, body []byte) (Payload, error) {
	outer, err := outerObject(contentType, body)
	if err != nil {
		return Payload{}, err
	}

	var p Payload
	if inner, ok := nestedObject(outer); ok {
		if err := json.Unmarshal(inner, &p); err == nil {
			return p, nil
		}
	}
	if err := json.Unmarshal(outer, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return p, nil
}

// outerObject returns the request body as a JSON object.
func outerObject(contentType string, body []byte) (json.RawMessage, error) {
	mediaType, params, _ := mime.ParseMediaType(contentType)

	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return formObject(values)

	case "multipart/form-data":
		form, err := multipart.NewReader(bytes.NewReader(body), params["boundary"]).ReadForm(maxBodySize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		defer func() { _ = form.RemoveAll() }()
		return formObject(form.Value)

	default:
		trimmed := bytes.TrimSpace(body)
		if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
			return trimmed, nil
		}
		if mediaType == "" && bytes.Contains(trimmed, []byte("=")) {
			values, err := url.ParseQuery(string(trimmed))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			}
			return formObject(values)
		}
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformedPayload)
	}
}

func formObject(values map[string][]string) (json.RawMessage, error) {
	flat := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			flat[k] = v[0]
		}
	}
	data, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return data, nil
}

// nestedObject extracts a JSON object encoded inside a string "data" field.
func nestedObject(outer json.RawMessage) (json.RawMessage, bool) {
	var wrapper struct {
		Data *string `json:"data"`
	}
	if err := json.Unmarshal(outer, &wrapper); err != nil || wrapper.Data == nil {
		return nil, false
	}
	inner := bytes.TrimSpace([]byte(*wrapper.Data))
	if len(inner) == 0 || inner[0] != '{' || !json.Valid(inner) {
		return nil, false
	}
	return inner, true
}

// Handler serves POST /kofi.
type Handler struct {
	adapter *Adapter
	feed    Ingester
	logger  *zap.Logger
}

// NewHandler creates the Ko-fi webhook handler.
func NewHandler(adapter *Adapter, ingester Ingester, logger *zap.Logger) *Handler {
	return &Handler{adapter: adapter, feed: ingester, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.logger.Warn("failed to read kofi body", zap.Error(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	draft, err := h.adapter.Parse(r.Header.Get("Content-Type"), body)
	switch {
	case errors.Is(err, ErrUnauthorized):
		h.logger.Warn("rejected kofi webhook", zap.Error(err))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	case errors.Is(err, ErrDuplicate):
		// Ko-fi retries until it gets a 200; acknowledge without ingesting.
		h.logger.Info("dropping redelivered kofi webhook", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	case errors.Is(err, ErrMalformedPayload):
		h.logger.Error("failed to parse kofi webhook", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	case err != nil:
		h.logger.Error("kofi webhook failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	ev := h.feed.Ingest(draft)
	h.logger.Info("kofi donation", zap.String("id", ev.ID), zap.String("message", ev.Message))

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
