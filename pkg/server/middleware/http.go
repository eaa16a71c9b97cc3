// Package middleware holds the HTTP middleware of the scistore API.
package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// HTTPMiddleware wraps an http.Handler.
type HTTPMiddleware func(http.Handler) http.Handler

// Wrap applies middleware in order; nil entries are ignored.
func Wrap(h http.Handler, middlewares ...HTTPMiddleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] != nil {
			h = middlewares[i](h)
		}
	}
	return h
}

// APIKeyAuth enforces a shared secret sent via X-API-Key or a Bearer token.
// Requests to the exempt paths pass through. An empty key disables the check.
func APIKeyAuth(key string, exempt ...string) HTTPMiddleware {
	secret := strings.TrimSpace(key)
	if secret == "" {
		return nil
	}
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !skip[r.URL.Path] && subtle.ConstantTimeCompare([]byte(extractAPIKey(r)), []byte(secret)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitOptions configures the per-client rate limiter.
type RateLimitOptions struct {
	Requests int
	Window   time.Duration
	Now      func() time.Time
	// MaxClients bounds the number of tracked buckets. Defaults to 10000.
	MaxClients int
}

// RateLimit enforces a token bucket per client address.
func RateLimit(opts RateLimitOptions) HTTPMiddleware {
	if opts.Requests <= 0 || opts.Window <= 0 {
		return nil
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 10000
	}
	l := &limiter{opts: opts, buckets: make(map[string]*tokenBucket)}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(ClientIP(r)) {
				w.Header().Set("Retry-After", strconv.Itoa(int(opts.Window.Seconds()+0.5)))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type limiter struct {
	mu      sync.Mutex
	opts    RateLimitOptions
	buckets map[string]*tokenBucket
}

func (l *limiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.opts.Now()
	b, ok := l.buckets[client]
	if !ok {
		if len(l.buckets) >= l.opts.MaxClients {
			l.evictFull(now)
		}
		b = &tokenBucket{
			capacity:     float64(l.opts.Requests),
			tokens:       float64(l.opts.Requests),
			refillPerSec: float64(l.opts.Requests) / l.opts.Window.Seconds(),
			last:         now,
		}
		l.buckets[client] = b
	}
	return b.take(now)
}

// evictFull drops buckets that have refilled completely.
func (l *limiter) evictFull(now time.Time) {
	for k, b := range l.buckets {
		b.refill(now)
		if b.tokens >= b.capacity {
			delete(l.buckets, k)
		}
	}
}

type tokenBucket struct {
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
}

func (t *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(t.last).Seconds()
	if elapsed > 0 {
		t.tokens += elapsed * t.refillPerSec
		if t.tokens > t.capacity {
			t.tokens = t.capacity
		}
		t.last = now
	}
}

func (t *tokenBucket) take(now time.Time) bool {
	t.refill(now)
	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}

// statusRecorder captures the status and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(p)
	s.bytes += int64(n)
	return n, err
}

// Flush keeps streaming responses flushable through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *statusRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// Metrics counts requests and observes their latency by route template.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the HTTP collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scistore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scistore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"method", "route"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

// Middleware records every request.
func (m *Metrics) Middleware() HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				route := routeOf(r)
				m.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.code())).Inc()
				m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// AccessLog writes one log line per request.
func AccessLog(log *zap.Logger) HTTPMiddleware {
	if log == nil {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", rec.code()),
					zap.Int64("bytes", rec.bytes),
					zap.String("client", ClientIP(r)),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// routeOf returns the matched route template, keeping label cardinality
// bounded. Middleware registered with mux.Router.Use sees the match.
func routeOf(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "other"
}
