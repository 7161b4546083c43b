package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/activity-feed/internal/feed"
	"github.com/dgnsrekt/activity-feed/internal/twitch"
)

const (
	kofiToken    = "kofi-secret"
	twitchSecret = "twitch-secret-123"
)

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *feed.Service) {
	t.Helper()
	svc := feed.NewService(feed.Config{ReplayLimit: 25}, zap.NewNop())
	opts.KofiToken = kofiToken
	opts.TwitchSecret = twitchSecret

	router, err := NewRouter(svc, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		svc.Close()
		srv.Close()
	})
	return srv, svc
}

func history(t *testing.T, srv *httptest.Server, query string) []feed.Event {
	t.Helper()
	resp, err := http.Get(srv.URL + "/history" + query)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /history, got %d", resp.StatusCode)
	}
	var events []feed.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	return events
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("expected 200 OK, got %d %q", resp.StatusCode, body)
	}
}

func TestKofiWebhookReachesHistory(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	data := `{"from_name":"Ada","amount":"5","currency":"USD","message":"thanks","verification_token":"kofi-secret"}`
	resp, err := http.PostForm(srv.URL+"/kofi", url.Values{"data": {data}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	events := history(t, srv, "")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != feed.KindDonation || events[0].Source != feed.PlatformKofi {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestKofiWebhookBadToken(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	resp, err := http.PostForm(srv.URL+"/kofi", url.Values{"data": {`{"verification_token":"nope"}`}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	if n := len(history(t, srv, "")); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestTwitchWebhook(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	signer := twitch.NewVerifier(twitchSecret, 0)

	post := func(msgType, id, body string) *http.Response {
		ts := time.Now().UTC().Format(time.RFC3339Nano)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/twitch", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(twitch.HeaderMessageType, msgType)
		req.Header.Set(twitch.HeaderMessageID, id)
		req.Header.Set(twitch.HeaderMessageTimestamp, ts)
		req.Header.Set(twitch.HeaderMessageSignature, signer.Sign(id, ts, []byte(body)))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(twitch.MessageTypeVerification, "m1", `{"challenge":"abc123","subscription":{"type":"channel.raid"}}`)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "abc123" {
		t.Errorf("expected challenge echo, got %d %q", resp.StatusCode, body)
	}

	resp = post(twitch.MessageTypeNotification, "m2",
		`{"subscription":{"type":"channel.raid"},"event":{"from_broadcaster_user_name":"Gus","viewers":42}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	events := history(t, srv, "")
	if len(events) != 1 || events[0].Kind != feed.KindRaid {
		t.Fatalf("expected one raid event, got %+v", events)
	}
}

func TestHistoryLimitAndOrder(t *testing.T) {
	srv, svc := newTestServer(t, Options{})
	for _, msg := range []string{"one", "two", "three"} {
		svc.Ingest(feed.Draft{Kind: feed.KindFollow, Message: msg, Source: feed.PlatformTwitch})
	}

	events := history(t, srv, "?limit=2")
	if len(events) != 2 || events[0].Message != "three" || events[1].Message != "two" {
		t.Errorf("expected [three two], got %+v", events)
	}

	resp, err := http.Get(srv.URL + "/history?limit=0")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for limit=0, got %d", resp.StatusCode)
	}
}

func TestClear(t *testing.T) {
	srv, svc := newTestServer(t, Options{})
	svc.Ingest(feed.Draft{Kind: feed.KindFollow, Message: "one", Source: feed.PlatformTwitch})

	resp, err := http.Post(srv.URL+"/clear", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result clearResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Cleared != 1 {
		t.Errorf("expected 1 cleared, got %d", result.Cleared)
	}
	if n := len(history(t, srv, "")); n != 0 {
		t.Errorf("expected empty history, got %d", n)
	}
}

func TestClearRequiresToken(t *testing.T) {
	srv, svc := newTestServer(t, Options{ClearToken: "letmein"})
	svc.Ingest(feed.Draft{Kind: feed.KindFollow, Message: "one", Source: feed.PlatformTwitch})

	tests := []struct {
		name       string
		auth       string
		wantStatus int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"correct", "Bearer letmein", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/clear", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
		})
	}
}

func TestEventsStreamThroughRouter(t *testing.T) {
	srv, svc := newTestServer(t, Options{})
	svc.Ingest(feed.Draft{Kind: feed.KindFollow, Message: "replayed", Source: feed.PlatformTwitch})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("replayed event not received")
		}
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "replayed") {
			break
		}
	}
}

func TestStaticRoutes(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	tests := []struct {
		path        string
		contentType string
	}{
		{"/feed", "text/html; charset=utf-8"},
		{"/openapi.yaml", "application/yaml"},
		{"/docs", "text/html"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("expected 200, got %d", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != tt.contentType {
				t.Errorf("expected %q, got %q", tt.contentType, ct)
			}
		})
	}
}

func TestFeedPageIsCompressed(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/feed", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if enc := resp.Header.Get("Content-Encoding"); enc != "gzip" {
		t.Errorf("expected gzip encoding, got %q", enc)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, Options{CORSOrigins: []string{"https://overlay.example.com"}})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/events", nil)
	req.Header.Set("Origin", "https://overlay.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://overlay.example.com" {
		t.Errorf("expected origin echoed, got %q", got)
	}
}
