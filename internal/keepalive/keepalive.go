// Package keepalive periodically requests a URL so idle-sleeping hosts keep
// the service awake.
package keepalive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval matches the sleep window of common free hosting tiers.
const DefaultInterval = 4 * time.Minute

// Pinger sends GET requests to a URL on a fixed interval.
type Pinger struct {
	httpClient *http.Client
	url        string
	interval   time.Duration
	logger     *zap.Logger
}

// New creates a pinger. A non-positive interval uses DefaultInterval.
func New(url string, interval time.Duration, logger *zap.Logger) *Pinger {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Pinger{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		url:        url,
		interval:   interval,
		logger:     logger,
	}
}

// Ping requests the URL once.
func (p *Pinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "activity-feed-keepalive")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pinging %s: %w", p.url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("ping failed with status: %d", resp.StatusCode)
	}
	return nil
}

// Run pings every interval until ctx is cancelled. Failures are only logged.
func (p *Pinger) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("keepalive started", zap.String("url", p.url), zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("keepalive stopping")
			return
		case <-ticker.C:
			if err := p.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("keepalive ping failed", zap.Error(err))
				continue
			}
			p.logger.Debug("keepalive ping ok", zap.String("url", p.url))
		}
	}
}
