package server

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/activity-feed/api"
	"github.com/dgnsrekt/activity-feed/internal/feed"
	"github.com/dgnsrekt/activity-feed/internal/kofi"
	"github.com/dgnsrekt/activity-feed/internal/sse"
	"github.com/dgnsrekt/activity-feed/internal/twitch"
	"github.com/dgnsrekt/activity-feed/internal/ws"
)

// Options configures the HTTP surface.
type Options struct {
	KofiToken           string
	TwitchSecret        string
	TwitchMaxMessageAge time.Duration
	// ClearToken, when set, must be sent as a bearer token to POST /clear.
	ClearToken  string
	CORSOrigins []string
}

func NewRouter(svc *feed.Service, opts Options, logger *zap.Logger) (http.Handler, error) {
	// Load OpenAPI spec for validation
	swagger, err := api.Load(context.Background())
	if err != nil {
		return nil, err
	}
	swagger.Servers = nil // Allow any host

	s := NewServer(svc, opts.ClearToken, logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(opts.CORSOrigins))
	r.Use(zapLoggerMiddleware(logger))

	// Webhooks verify their own payloads
	r.Method(http.MethodPost, "/kofi", kofi.NewHandler(kofi.NewAdapter(opts.KofiToken), svc, logger.Named("kofi")))
	r.Method(http.MethodPost, "/twitch", twitch.NewHandler(
		twitch.NewVerifier(opts.TwitchSecret, opts.TwitchMaxMessageAge), svc, logger.Named("twitch")))

	// Long-lived viewer streams
	r.Method(http.MethodGet, "/events", sse.NewHandler(svc, logger.Named("sse")))
	r.Method(http.MethodGet, "/ws", ws.NewHandler(svc, logger.Named("ws")))

	// Static documents
	r.Group(func(static chi.Router) {
		static.Use(gzipMiddleware)
		static.Get("/feed", feedPageHandler)
		static.Get("/openapi.yaml", openapiHandler)
		static.Get("/docs", swaggerUIHandler)
	})

	// Control routes with OpenAPI validation
	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(oapimiddleware.OapiRequestValidator(swagger))
		apiRouter.Use(gzipMiddleware)

		apiRouter.Post("/clear", s.Clear)
		apiRouter.Get("/history", s.History)
		apiRouter.Get("/healthz", s.Healthz)
	})

	return r, nil
}

func gzipMiddleware(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "*")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
