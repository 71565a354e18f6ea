package api

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"gate-event-core/internal/approval/channels"
	"gate-event-core/internal/metrics"
)

type contextKey string

const adminIDKey contextKey = "admin_id"

// maxCallbackBody bounds how much of a callback body is read for signature checks
const maxCallbackBody = 64 << 10

// adminIDFrom returns the authenticated admin id
func adminIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(adminIDKey).(string)
	return id
}

// statusRecorder captures the response status for logs and metrics
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.size += int64(n)
	return n, err
}

// Hijack lets the websocket upgrade pass through the recorder
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.statusCode = http.StatusSwitchingProtocols
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("ResponseWriter does not support hijacking")
}

func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// loggingMiddleware logs requests and records request metrics by route
// template
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := routeTemplate(r)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(wrapped.statusCode)).Inc()
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(route))

		entry := s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"route":       route,
			"status":      wrapped.statusCode,
			"size":        wrapped.size,
			"duration_ms": timer.Duration().Milliseconds(),
			"client_ip":   clientIP(r),
		})
		switch {
		case wrapped.statusCode >= 500:
			entry.Warn("HTTP request failed")
		case route == "/api/v1/health" || route == "/metrics":
			entry.Debug("HTTP request")
		default:
			entry.Info("HTTP request")
		}
	})
}

// recoveryMiddleware turns handler panics into 500 responses
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.WithFields(logrus.Fields{
					"error": err,
					"stack": string(debug.Stack()),
					"path":  r.URL.Path,
				}).Error("Panic recovered in HTTP handler")

				s.writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// corsMiddleware answers preflights and sets CORS headers for allowed origins
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && originAllowed(origin, s.config.AllowedOrigins)

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Camera-ID, X-Camera-Key, X-Callback-Key")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			if allowed {
				w.WriteHeader(http.StatusNoContent)
			} else {
				w.WriteHeader(http.StatusForbidden)
			}
			return
		}

		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds the standard hardening headers
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// adminAuthMiddleware requires an admin bearer token. Browsers cannot set
// headers on websocket upgrades, so the token may also come as the
// access_token query parameter there.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" && websocketUpgrade(r) {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			s.logSecurityEvent("admin_token_missing", r)
			s.writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
			return
		}

		adminID, err := s.deps.Tokens.Verify(token)
		if err != nil {
			s.logSecurityEvent("admin_token_invalid", r)
			s.writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminIDKey, adminID)))
	})
}

// callbackAuthMiddleware accepts a provider callback carrying either the
// shared callback key or a valid payload signature
func (s *Server) callbackAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-Callback-Key"); key != "" && s.deps.CallbackKey != "" {
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.deps.CallbackKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}

		if signature := r.Header.Get(channels.HeaderSignature); signature != "" && s.deps.CallbackSigner.Enabled() {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
			if err != nil {
				s.writeError(w, r, http.StatusBadRequest, ErrCodeInvalidJSON, "failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ts, err := strconv.ParseInt(r.Header.Get(channels.HeaderTimestamp), 10, 64)
			if err == nil {
				err = s.deps.CallbackSigner.Verify(body, ts, signature, s.clock.Now())
			}
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		s.logSecurityEvent("callback_auth_failed", r)
		s.writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid callback credentials")
	})
}

// ingestLimitMiddleware bounds concurrent camera requests. A request that
// cannot get a slot within the acquire timeout is refused with 503 so the
// camera retries.
func (s *Server) ingestLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.AcquireTimeout)
		err := s.ingestSlots.Acquire(ctx, 1)
		cancel()
		if err != nil {
			metrics.IngestRejectedBusy.Inc()
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, http.StatusServiceUnavailable, ErrCodeBusy, "ingestion pool is full")
			return
		}
		defer s.ingestSlots.Release(1)

		next.ServeHTTP(w, r)
	})
}

func (s *Server) logSecurityEvent(event string, r *http.Request) {
	s.logger.WithFields(logrus.Fields{
		"event":      event,
		"path":       r.URL.Path,
		"client_ip":  clientIP(r),
		"user_agent": r.UserAgent(),
	}).Warn("Security event")
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// clientIP prefers proxy headers and falls back to the peer address
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
