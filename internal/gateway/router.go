// ABOUTME: Chi router assembly and HTTP middleware for metrics, request logging and identity
// ABOUTME: Public health and webhook routes sit outside the authenticated /api and /ws groups

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/metrics"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 * 1024

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	// Metrics first so every request is counted.
	r.Use(g.requestMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(g.requestLogger)
	r.Use(chimw.Recoverer)

	if origins := g.config.Server.AllowedOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, promhttp.Handler())
	}

	r.With(limitBody).Post("/webhooks/inbound", g.handleInbound)

	r.Group(func(r chi.Router) {
		r.Use(g.authenticate)

		r.Get("/ws/conversations/{id}", g.handleWebSocket)

		r.Route("/api", func(r chi.Router) {
			r.Use(limitBody)

			r.Get("/conversations", g.handleListConversations)
			r.Post("/conversations", g.handleCreateConversation)
			r.Route("/conversations/{id}", func(r chi.Router) {
				r.Get("/", g.handleGetConversation)
				r.Get("/messages", g.handleGetMessages)
				r.Post("/messages", g.handleAppendMessage)
				r.Post("/read", g.handleMarkRead)
				r.Post("/assign", g.handleAssign)
				r.Post("/takeover", g.handleTakeover)
				r.Post("/release", g.handleRelease)
				r.Post("/escalate", g.handleEscalate)
				r.Post("/bot-attempts", g.handleBotAttempt)
				r.Post("/close", g.handleClose)
				r.Put("/priority", g.handleSetPriority)
			})
			r.Get("/queue", g.handleListWaiting)
			r.Post("/queue/next", g.handlePickNext)
			r.Get("/stats", g.handleStats)
		})
	})

	return r
}

// requestMetrics records request counts and latency by route pattern, which
// keeps label cardinality bounded.
func (g *Gateway) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			g.logger.Debug("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"latency", time.Since(start).String(),
				"request_id", chimw.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr)
		}()

		next.ServeHTTP(ww, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// authenticate puts the caller's identity in the request context. With a
// verifier configured it requires a bearer token; in development mode the
// identity is taken from the user_id, role and name query parameters.
func (g *Gateway) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.identify(r)
		if err != nil {
			sendJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func (g *Gateway) identify(r *http.Request) (auth.Identity, error) {
	if g.verifier != nil {
		token := auth.BearerToken(r)
		if token == "" {
			return auth.Identity{}, errMissingToken
		}
		return g.verifier.Verify(token)
	}

	q := r.URL.Query()
	id := auth.Identity{
		UserID: q.Get("user_id"),
		Role:   q.Get("role"),
		Name:   q.Get("name"),
	}
	if id.UserID == "" {
		id.UserID = r.Header.Get("X-User-ID")
	}
	if id.Role == "" {
		id.Role = auth.RoleAgent
	}
	if id.UserID == "" {
		return auth.Identity{}, errMissingIdentity
	}
	if !auth.ValidRole(id.Role) {
		return auth.Identity{}, auth.ErrUnknownRole
	}
	return id, nil
}
