package server

import (
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dgnsrekt/activity-feed/api"
	"github.com/dgnsrekt/activity-feed/internal/feed"
)

//go:embed static/feed.html
var feedPage []byte

type Server struct {
	feed       *feed.Service
	clearToken string
	logger     *zap.Logger
}

func NewServer(svc *feed.Service, clearToken string, logger *zap.Logger) *Server {
	return &Server{
		feed:       svc,
		clearToken: clearToken,
		logger:     logger,
	}
}

type clearResponse struct {
	Cleared int `json:"cleared"`
}

// Clear implements POST /clear.
func (s *Server) Clear(w http.ResponseWriter, r *http.Request) {
	if s.clearToken != "" && !bearerMatches(r, s.clearToken) {
		s.logger.Warn("rejected clear request", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	n := s.feed.Clear()
	writeJSON(w, http.StatusOK, clearResponse{Cleared: n})
}

// History implements GET /history.
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events := make([]feed.Event, 0, s.feed.Config().Capacity)
	for ev := range s.feed.Snapshot(limit) {
		events = append(events, ev)
	}
	writeJSON(w, http.StatusOK, events)
}

// Healthz implements GET /healthz.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func bearerMatches(r *http.Request, token string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func feedPageHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(feedPage)
}

func openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(api.OpenAPISpec)
}

func swaggerUIHandler(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Activity Feed API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: "/openapi.yaml",
                dom_id: '#swagger-ui',
            });
        };
    </script>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(html))
}
