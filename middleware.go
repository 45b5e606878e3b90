package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// DefaultClientHeader is the header the middleware reads the client ID from
// unless WithKeyFunc says otherwise.
const DefaultClientHeader = "X-Client-ID"

// KeyFunc extracts the client ID from an HTTP request.
type KeyFunc func(r *http.Request) string

// OnLimitReached is called when a client's request is denied.
type OnLimitReached func(w http.ResponseWriter, r *http.Request, d Decision)

// OnUnknownClient is called when the extracted client ID is not registered.
type OnUnknownClient func(w http.ResponseWriter, r *http.Request, clientID string)

// Middleware creates HTTP middleware that admits requests through svc.
func Middleware(svc *Service, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{
		keyFunc:    HeaderKeyFunc(DefaultClientHeader),
		statusCode: http.StatusTooManyRequests,
		addHeaders: true,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.onLimitReached == nil {
		cfg.onLimitReached = cfg.defaultOnLimitReached
	}
	if cfg.onUnknownClient == nil {
		cfg.onUnknownClient = DefaultOnUnknownClient
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.skipFunc != nil && cfg.skipFunc(r) {
				next.ServeHTTP(w, r)
				return
			}

			clientID := cfg.keyFunc(r)
			d, err := svc.Allow(clientID)
			if err != nil {
				if errors.Is(err, ErrClientNotFound) {
					cfg.onUnknownClient(w, r, clientID)
					return
				}
				http.Error(w, "rate limiter unavailable", http.StatusInternalServerError)
				return
			}

			if cfg.addHeaders {
				AddRateLimitHeaders(w, d)
			}

			if !d.Allowed {
				cfg.onLimitReached(w, r, d)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type middlewareConfig struct {
	keyFunc         KeyFunc
	onLimitReached  OnLimitReached
	onUnknownClient OnUnknownClient
	statusCode      int
	addHeaders      bool
	skipFunc        func(*http.Request) bool
}

// defaultOnLimitReached returns a plain-text error using the configured status code.
func (cfg *middlewareConfig) defaultOnLimitReached(w http.ResponseWriter, r *http.Request, d Decision) {
	http.Error(w, "Rate limit exceeded", cfg.statusCode)
}

// MiddlewareOption is an option for the middleware.
type MiddlewareOption func(*middlewareConfig)

// WithKeyFunc sets the client ID extraction function.
func WithKeyFunc(fn KeyFunc) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.keyFunc = fn
	}
}

// WithOnLimitReached sets the handler for when limit is reached.
func WithOnLimitReached(fn OnLimitReached) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.onLimitReached = fn
	}
}

// WithOnUnknownClient sets the handler for unregistered clients. The
// default rejects them with 403; pass a handler that calls the next
// handler to fail open instead.
func WithOnUnknownClient(fn OnUnknownClient) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.onUnknownClient = fn
	}
}

// WithStatusCode sets the status code returned when limit is reached.
func WithStatusCode(code int) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.statusCode = code
	}
}

// WithHeaders enables or disables rate limit headers.
func WithHeaders(enabled bool) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.addHeaders = enabled
	}
}

// WithSkipFunc sets a function to determine if rate limiting should be skipped.
func WithSkipFunc(fn func(*http.Request) bool) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.skipFunc = fn
	}
}

// AddRateLimitHeaders adds standard rate limit headers to the response.
func AddRateLimitHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}

	if !d.Allowed && d.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
}

// JSONOnLimitReached returns a JSON response when rate limit is exceeded
// with a 429 status code.
func JSONOnLimitReached(w http.ResponseWriter, r *http.Request, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
	_, _ = fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"Too many requests","retry_after":%d}`, retryAfter)
}

// DefaultOnUnknownClient rejects unregistered clients with 403.
func DefaultOnUnknownClient(w http.ResponseWriter, r *http.Request, clientID string) {
	http.Error(w, "Unknown client", http.StatusForbidden)
}

// Key Functions

// HeaderKeyFunc creates a key function that uses a header value.
func HeaderKeyFunc(header string) KeyFunc {
	return func(r *http.Request) string {
		return r.Header.Get(header)
	}
}

// IPKeyFunc extracts the client IP address as the client ID.
func IPKeyFunc(r *http.Request) string {
	return GetClientIP(r)
}

// UserIDKeyFunc creates a key function that uses a user ID from context,
// falling back to the client IP.
func UserIDKeyFunc(ctxKey any) KeyFunc {
	return func(r *http.Request) string {
		if userID := r.Context().Value(ctxKey); userID != nil {
			return fmt.Sprintf("%v", userID)
		}
		return GetClientIP(r)
	}
}

// FirstKeyFunc returns the first non-empty key produced by funcs.
func FirstKeyFunc(funcs ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		for _, fn := range funcs {
			if key := fn(r); key != "" {
				return key
			}
		}
		return ""
	}
}

// GetClientIP extracts the client IP from the request using only RemoteAddr.
// It does not trust proxy headers, which can be spoofed.
func GetClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// GetClientIPFromHeaders extracts the client IP from proxy headers, falling
// back to RemoteAddr. It checks X-Forwarded-For, X-Real-IP, and
// CF-Connecting-IP in order. Only use this when the server is behind a
// trusted reverse proxy that sets these headers.
func GetClientIPFromHeaders(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For can contain multiple IPs, take the first one
		if i := strings.Index(xff, ","); i > 0 {
			xff = xff[:i]
		}
		if ip := net.ParseIP(strings.TrimSpace(xff)); ip != nil {
			return ip.String()
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return ip.String()
		}
	}

	if cfip := r.Header.Get("CF-Connecting-IP"); cfip != "" {
		if ip := net.ParseIP(cfip); ip != nil {
			return ip.String()
		}
	}

	return GetClientIP(r)
}

// TrustedProxyKeyFunc extracts the client IP from proxy headers. Only use
// when the server is behind a trusted reverse proxy.
func TrustedProxyKeyFunc(r *http.Request) string {
	return GetClientIPFromHeaders(r)
}

// Skip Functions

// SkipHealthChecks skips rate limiting for common health check paths.
func SkipHealthChecks(r *http.Request) bool {
	switch r.URL.Path {
	case "/health", "/healthz", "/ready", "/readyz", "/live", "/livez", "/ping":
		return true
	}
	return false
}

// SkipPrivateIPs skips rate limiting for private IP addresses.
func SkipPrivateIPs(r *http.Request) bool {
	ip := net.ParseIP(GetClientIP(r))
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

// SkipMethods creates a skip function that skips specific HTTP methods.
func SkipMethods(methods ...string) func(*http.Request) bool {
	methodSet := make(map[string]bool)
	for _, m := range methods {
		methodSet[strings.ToUpper(m)] = true
	}
	return func(r *http.Request) bool {
		return methodSet[r.Method]
	}
}

// SkipPaths creates a skip function that skips specific paths.
func SkipPaths(paths ...string) func(*http.Request) bool {
	pathSet := make(map[string]bool)
	for _, p := range paths {
		pathSet[p] = true
	}
	return func(r *http.Request) bool {
		return pathSet[r.URL.Path]
	}
}

// SkipIf combines multiple skip functions with OR logic.
func SkipIf(funcs ...func(*http.Request) bool) func(*http.Request) bool {
	return func(r *http.Request) bool {
		for _, fn := range funcs {
			if fn(r) {
				return true
			}
		}
		return false
	}
}
