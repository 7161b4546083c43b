// Package forward relays feed events to a local automation endpoint such as
// Streamer.bot or Node-RED.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/activity-feed/internal/feed"
)

// Config holds forwarding configuration.
type Config struct {
	Enabled    bool          // Whether events are forwarded
	URL        string        // Endpoint receiving one POST per event
	Token      string        // Optional bearer token
	RatePerSec float64       // Maximum requests per second
	Timeout    time.Duration // Per-request timeout
}

// Validate checks configuration is usable when enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.New("forward url is required when forwarding is enabled")
	}
	if c.RatePerSec <= 0 {
		return fmt.Errorf("invalid forward rate: %v (must be > 0)", c.RatePerSec)
	}
	return nil
}

// Forwarder delivers one event to the automation endpoint.
type Forwarder interface {
	Send(ctx context.Context, ev feed.Event) error
}

// Payload is the JSON body posted for each event.
type Payload struct {
	Type  string     `json:"type"`
	Event feed.Event `json:"event"`
}

// Client posts events over HTTP.
type Client struct {
	httpClient *http.Client
	config     Config
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates an HTTP forwarder.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		config:     cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		logger:     logger,
	}
}

// Send posts ev, waiting for the rate limiter first.
func (c *Client) Send(ctx context.Context, ev feed.Event) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(Payload{Type: "event", Event: ev})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Feed-Event-Kind", string(ev.Kind))
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forwarding event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("forward failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("event forwarded", zap.String("id", ev.ID), zap.String("kind", string(ev.Kind)))
	return nil
}

// NoopForwarder drops every event.
type NoopForwarder struct{}

// Send is a no-op.
func (n *NoopForwarder) Send(_ context.Context, _ feed.Event) error {
	return nil
}

// New creates the appropriate forwarder based on config.
func New(cfg Config, logger *zap.Logger) Forwarder {
	if !cfg.Enabled {
		return &NoopForwarder{}
	}
	return NewClient(cfg, logger)
}

// Subscriber is the part of the feed the relay listens on.
type Subscriber interface {
	Subscribe(opts feed.SubscribeOptions) *feed.Session
}

// Run relays every live event to fwd until ctx is cancelled. Delivery
// failures are logged and the event is dropped. If the feed drops the relay
// session because it fell behind, Run resubscribes after resubscribeDelay.
func Run(ctx context.Context, src Subscriber, fwd Forwarder, logger *zap.Logger) {
	if _, ok := fwd.(*NoopForwarder); ok {
		return
	}

	for {
		relay(ctx, src, fwd, logger)

		select {
		case <-ctx.Done():
			logger.Info("forwarder stopping")
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

const resubscribeDelay = time.Second

func relay(ctx context.Context, src Subscriber, fwd Forwarder, logger *zap.Logger) {
	sess := src.Subscribe(feed.SubscribeOptions{LiveOnly: true})
	defer sess.Close()

	logger.Info("forwarder subscribed", zap.String("session", sess.ID()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			logger.Warn("forwarder session closed by feed", zap.Stringer("state", sess.State()))
			return
		case f := <-sess.Frames():
			if f.Type != feed.FrameData {
				continue
			}
			if err := fwd.Send(ctx, f.Event); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("failed to forward event",
					zap.String("id", f.Event.ID),
					zap.Error(err))
			}
		}
	}
}
