package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"

	"github.com/foxzi/rekindle/internal/auth"
	"github.com/foxzi/rekindle/internal/importer"
	"github.com/foxzi/rekindle/internal/metrics"
)

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware resolves the request credential to an owner
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.resolver == nil {
			sendError(w, http.StatusServiceUnavailable, "Authentication is not configured", "NOT_CONFIGURED")
			return
		}

		owner, err := s.resolver.Resolve(r.Context(), auth.CredentialFromRequest(r))
		if err != nil {
			if errors.Is(err, auth.ErrMissingCredential) || errors.Is(err, auth.ErrInvalidCredential) {
				s.logger.Warn("unauthorized API request",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
					"error", err,
				)
				sendError(w, http.StatusUnauthorized, "Authentication required", importer.KindUnauthenticated.Code())
				return
			}

			s.logger.Error("credential resolution failed", "path", r.URL.Path, "error", err)
			sendError(w, http.StatusServiceUnavailable, "Authentication service unavailable", "AUTH_UNAVAILABLE")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithOwner(r.Context(), owner)))
	})
}

// throttleMiddleware limits requests per client IP
func (s *Server) throttleMiddleware() func(http.Handler) http.Handler {
	mw := stdlib.NewMiddleware(s.throttle,
		stdlib.WithKeyGetter(func(r *http.Request) string {
			if addr, ok := s.clients.ClientAddr(r); ok {
				return addr.String()
			}
			return r.RemoteAddr
		}),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.IncRateLimitExceeded("http")
			if reset := w.Header().Get("X-RateLimit-Reset"); reset != "" {
				w.Header().Set("Retry-After", retryAfterFromReset(reset))
			}
			sendError(w, http.StatusTooManyRequests, "Too many requests", importer.KindRateLimited.Code())
		}),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Error("request throttle failed", "error", err)
			sendError(w, http.StatusInternalServerError, "Internal server error", importer.KindInternal.Code())
		}),
	)
	return mw.Handler
}

// retryAfterFromReset converts the unix reset header into seconds from now
func retryAfterFromReset(reset string) string {
	unix, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return "60"
	}
	secs := unix - time.Now().Unix()
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
