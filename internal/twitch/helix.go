package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	DefaultHelixURL = "https://api.twitch.tv/helix"
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"
)

var (
	ErrNotFound      = errors.New("twitch: not found")
	ErrConflict      = errors.New("twitch: subscription already exists")
	ErrRateLimited   = errors.New("twitch: rate limited")
	ErrAuthFailed    = errors.New("twitch: authentication failed")
	ErrMissingConfig = errors.New("twitch: client id and secret are required")
)

// HelixConfig configures the Helix API client.
type HelixConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	TokenURL     string
	RatePerSec   int
	Timeout      time.Duration
	RetryCount   int
	RetryDelay   time.Duration
}

// SubscriptionRequest is the body of POST /eventsub/subscriptions.
type SubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

// Transport is the webhook delivery target for a subscription.
type Transport struct {
	Method   string `json:"method"`
	Callback string `json:"callback"`
	Secret   string `json:"secret"`
}

// HelixClient calls the Helix API with an app access token.
type HelixClient struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewHelixClient creates a client that fetches and refreshes its app access
// token through the client-credentials grant.
func NewHelixClient(cfg HelixConfig, logger *zap.Logger) (*HelixClient, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrMissingConfig
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultHelixURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	base := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:    10,
			MaxConnsPerHost: 4,
			IdleConnTimeout: 90 * time.Second,
		},
		Timeout: cfg.Timeout,
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	// The token source keeps this context for refreshes, so it must outlive
	// any single request.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := cc.Client(tokenCtx)
	httpClient.Timeout = cfg.Timeout

	return &HelixClient{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		clientID:   cfg.ClientID,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec*2),
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}, nil
}

// UserID resolves a login name to a broadcaster id.
func (c *HelixClient) UserID(ctx context.Context, login string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/users?login="+url.QueryEscape(login), nil)
	if err != nil {
		return "", err
	}

	var resp struct {
		Data []struct {
			ID    string `json:"id"`
			Login string `json:"login"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding users response: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].ID == "" {
		return "", fmt.Errorf("user %q: %w", login, ErrNotFound)
	}
	return resp.Data[0].ID, nil
}

// CreateSubscription registers an EventSub subscription. It returns
// ErrConflict if an identical subscription already exists.
func (c *HelixClient) CreateSubscription(ctx context.Context, req SubscriptionRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding subscription: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/eventsub/subscriptions", payload)
	return err
}

func (c *HelixClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := c.baseURL + path
	c.logger.Debug("helix request", zap.String("method", method), zap.String("url", endpoint))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			c.logger.Debug("retrying helix request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Client-Id", c.clientID)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			var retrieveErr *oauth2.RetrieveError
			if errors.As(err, &retrieveErr) {
				return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusConflict:
			return nil, ErrConflict
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: status %d: %s", ErrAuthFailed, resp.StatusCode, string(body))
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}
		return body, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
