package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/worksafeai/copilot/internal/metrics"
)

type contextKey int

const correlationKey contextKey = iota

// CorrelationID returns the id the correlation middleware attached to
// the request context, or "" outside a request.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey).(string); ok {
		return id
	}
	return ""
}

// withCorrelation honors a caller-supplied X-Correlation-ID and mints a
// uuid when the header is absent. The id is echoed on the response and
// stashed in the context for handlers and the error writer.
func (s *Server) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Correlation-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", id)
		ctx := context.WithValue(r.Context(), correlationKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRecovery turns a handler panic into a 500 envelope instead of a
// dropped connection.
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic serving request",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				s.writeError(w, r, http.StatusInternalServerError, "internal", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// timingWriter stamps X-Processing-Time just before the first byte of
// the response goes out. Headers are immutable after WriteHeader, so the
// stamp has to happen here rather than after the handler returns.
type timingWriter struct {
	http.ResponseWriter
	start time.Time
	wrote bool
}

func (t *timingWriter) WriteHeader(code int) {
	if !t.wrote {
		t.wrote = true
		elapsed := time.Since(t.start).Milliseconds()
		t.Header().Set("X-Processing-Time", strconv.FormatInt(elapsed, 10)+"ms")
	}
	t.ResponseWriter.WriteHeader(code)
}

func (t *timingWriter) Write(b []byte) (int, error) {
	if !t.wrote {
		t.WriteHeader(http.StatusOK)
	}
	return t.ResponseWriter.Write(b)
}

func (s *Server) withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-API-Version", apiVersion)
		next.ServeHTTP(&timingWriter{ResponseWriter: w, start: time.Now()}, r)
	})
}

// withRequestTimeout bounds the whole request. Stage timeouts inside the
// pipeline are tighter; this is the backstop for handlers that fan out
// across several stores.
func (s *Server) withRequestTimeout(next http.Handler) http.Handler {
	if s.requestTimeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// admission applies the token-bucket rate limit and the concurrency cap
// before a request reaches a handler. Either rejection answers 429 with
// the standard envelope. Probe and scrape paths bypass admission so a
// saturated service still reports its own state.
type admission struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

func newAdmission(maxConcurrent int, rps float64, burst int) *admission {
	a := &admission{}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	if maxConcurrent > 0 {
		a.slots = make(chan struct{}, maxConcurrent)
	}
	return a
}

func bypassesAdmission(path string) bool {
	return path == "/metrics" || path == "/api/health" || strings.HasPrefix(path, "/healthz")
}

func (s *Server) withAdmission(next http.Handler) http.Handler {
	a := s.admission
	if a == nil || (a.limiter == nil && a.slots == nil) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bypassesAdmission(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if a.limiter != nil && !a.limiter.Allow() {
			metrics.HTTPRejected.WithLabelValues("rate_limit").Inc()
			s.logger.Warn("request rate limited",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded", nil)
			return
		}

		if a.slots != nil {
			select {
			case a.slots <- struct{}{}:
				defer func() { <-a.slots }()
			default:
				metrics.HTTPRejected.WithLabelValues("concurrency").Inc()
				s.logger.Warn("concurrency cap reached",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("max_concurrent", cap(a.slots)),
				)
				w.Header().Set("Retry-After", "1")
				s.writeError(w, r, http.StatusTooManyRequests, "overloaded", "too many requests in flight", nil)
				return
			}
		}

		metrics.HTTPInFlight.Inc()
		defer metrics.HTTPInFlight.Dec()
		next.ServeHTTP(w, r)
	})
}
