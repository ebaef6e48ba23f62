package handlers

import (
	"chat-ledger/internal/app"
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/auth"
	"chat-ledger/internal/logger"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const requestIDHeader = "X-Request-ID"

// statusRecorder captures the status code; it keeps Flush available for SSE.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withRequestLog attaches a request-scoped log entry and records the request
// in the metrics under route.
func withRequestLog(config *app.Config, route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		entry := logger.Log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		r = r.WithContext(logger.WithContext(r.Context(), entry))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next(rec, r)
		elapsed := time.Since(started)

		config.Metrics.HTTPRequest(r.Method, route, rec.status, elapsed)
		entry.WithFields(logrus.Fields{
			"status":      rec.status,
			"duration_ms": elapsed.Milliseconds(),
		}).Info("Request handled")
	}
}

func enableCORS(origin string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+requestIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	}
}

// requireIdentity rejects requests without a resolvable identity.
func requireIdentity(provider auth.IdentityProvider, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := provider.CurrentUser(r)
		if err != nil {
			sendError(w, r, err)
			return
		}
		if identity == nil {
			sendError(w, r, apperr.Unauthorized("authentication required"))
			return
		}
		next(w, attachIdentity(r, identity))
	}
}

// optionalIdentity lets anonymous requests through; a bad token is still rejected.
func optionalIdentity(provider auth.IdentityProvider, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := provider.CurrentUser(r)
		if err != nil {
			sendError(w, r, err)
			return
		}
		if identity != nil {
			r = attachIdentity(r, identity)
		}
		next(w, r)
	}
}

func attachIdentity(r *http.Request, identity *auth.Identity) *http.Request {
	ctx := auth.WithIdentity(r.Context(), identity)
	entry := logger.FromContext(ctx).WithField("user_id", identity.ID)
	return r.WithContext(logger.WithContext(ctx, entry))
}

// rateLimit applies the configured limiter per user; it must run after requireIdentity.
func rateLimit(config *app.Config, next http.HandlerFunc) http.HandlerFunc {
	if config.Limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		identity := auth.FromContext(r.Context())
		if identity == nil {
			next(w, r)
			return
		}
		allowed, err := config.Limiter.Allow(r.Context(), identity.ID)
		if err != nil {
			sendError(w, r, err)
			return
		}
		if !allowed {
			sendError(w, r, apperr.TooManyRequests("rate limit exceeded, try again later"))
			return
		}
		next(w, r)
	}
}

// viewerID returns the caller's id, or "" for anonymous requests.
func viewerID(r *http.Request) string {
	if identity := auth.FromContext(r.Context()); identity != nil {
		return identity.ID
	}
	return ""
}
