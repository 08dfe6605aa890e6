// Package httpx holds the JSON response helpers and edge middleware
// shared by the gateway handlers.
package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// Signature headers the browser must be allowed to send on
// cross-origin requests when no explicit request-header list is given.
const defaultAllowHeaders = "Authorization,Content-Type,X-AI-Client-Id,X-AI-Timestamp,X-AI-Nonce,X-AI-Signature"

// SecurityHeadersMiddleware applies baseline hardening headers. The API
// serves no HTML, so the CSP denies everything.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	static := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Referrer-Policy":           "no-referrer",
		"Permissions-Policy":        "geolocation=(), camera=(), microphone=()",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'; base-uri 'none'",
		"Strict-Transport-Security": "max-age=63072000; includeSubDomains; preload",
		"Cache-Control":             "no-store",
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for name, value := range static {
			h.Set(name, value)
		}
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware enforces a comma-separated origin allowlist. Requests
// from unlisted origins pass through without CORS headers; their
// preflights are refused outright.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	allowAll := false
	for _, part := range strings.Split(allowedOrigins, ",") {
		switch origin := strings.TrimSpace(part); origin {
		case "":
		case "*":
			allowAll = true
		default:
			allowed[origin] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, listed := allowed[origin]
			if !allowAll && !listed {
				if isPreflight(r) {
					http.Error(w, "origin not allowed", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			for _, v := range []string{"Origin", "Access-Control-Request-Method", "Access-Control-Request-Headers"} {
				h.Add("Vary", v)
			}
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
			reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
			if reqHeaders == "" {
				reqHeaders = defaultAllowHeaders
			}
			h.Set("Access-Control-Allow-Headers", reqHeaders)
			h.Set("Access-Control-Max-Age", "600")

			if isPreflight(r) {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"error": msg})
}

// ErrorReason adds a machine-readable reason code next to the human
// message so AI clients can branch without parsing prose.
func ErrorReason(w http.ResponseWriter, status int, reason, msg string) {
	WriteJSON(w, status, map[string]any{"error": msg, "reason": reason})
}

// TooManyRequests writes a 429 naming the limiting scope, with a
// Retry-After of at least one second.
func TooManyRequests(w http.ResponseWriter, scope string, retryAfterSec int) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":         "rate limit exceeded",
		"reason":        "RATE_LIMITED",
		"scope":         scope,
		"retryAfterSec": retryAfterSec,
	})
}
