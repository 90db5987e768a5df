package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agora/utils"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	ViewerUIDKey ContextKey = "viewerUID"
	CSRFTokenKey ContextKey = "csrfToken"

	SessionCookie = "agora_session"
	CSRFCookie    = "csrf_token"
)

// viewerUID returns the uid resolved by SessionMiddleware, or 0 for guests.
func viewerUID(r *http.Request) int64 {
	uid, _ := r.Context().Value(ViewerUIDKey).(int64)
	return uid
}

// sessionToken reads a bearer token first and falls back to the session cookie.
func sessionToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), true
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value, false
	}
	return "", false
}

// SessionMiddleware resolves the viewer's uid from the session token.
// Invalid or expired tokens continue as guest.
func SessionMiddleware(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, _ := sessionToken(r)
			uid, err := app.DB().GetSessionUID(r.Context(), token)
			if err != nil {
				app.Logger().Error("Failed to resolve session", "error", err)
				uid = 0
			}
			ctx := context.WithValue(r.Context(), ViewerUIDKey, uid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CSRFMiddleware protects cookie-authenticated writes with a double-submit
// token. Requests carrying a bearer token are not exposed to CSRF and skip the check.
func CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		csrfCookie, err := r.Cookie(CSRFCookie)
		var csrfToken string

		if err != nil || csrfCookie.Value == "" {
			csrfToken = uuid.New().String()
			http.SetCookie(w, &http.Cookie{
				Name:     CSRFCookie,
				Value:    csrfToken,
				Path:     "/",
				HttpOnly: false,
				Secure:   r.TLS != nil,
				SameSite: http.SameSiteLaxMode,
			})
		} else {
			csrfToken = csrfCookie.Value
		}

		_, bearer := sessionToken(r)
		if r.Method != http.MethodGet && r.Method != http.MethodHead && !bearer {
			tokenFromRequest := r.Header.Get("X-CSRF-Token")
			if tokenFromRequest == "" {
				tokenFromRequest = r.FormValue(CSRFCookie)
			}
			if subtle.ConstantTimeCompare([]byte(tokenFromRequest), []byte(csrfToken)) != 1 {
				http.Error(w, "Invalid CSRF token", http.StatusForbidden)
				return
			}
		}

		ctx := context.WithValue(r.Context(), CSRFTokenKey, csrfToken)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimitWrites applies the per-IP limiter to every non-GET request.
func RateLimitWrites(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			ip := utils.GetIPAddress(r)
			if !app.RateLimiter().GetLimiter(ip).Allow() {
				app.Logger().Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
				respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded. Please wait a moment."}, app)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireLogin rejects guests.
func RequireLogin(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if viewerUID(r) <= 0 {
				respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "You must be logged in."}, app)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin restricts a route group to administrators.
func RequireAdmin(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid := viewerUID(r)
			isAdmin, err := app.Privileges().IsAdministrator(r.Context(), uid)
			if err != nil {
				app.Logger().Error("Failed to check administrator status", "uid", uid, "error", err)
				respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Database error."}, app)
				return
			}
			if !isAdmin {
				app.Logger().Warn("Non-admin tried to access moderation route", "uid", uid, "path", r.URL.Path)
				respondJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden: administrators only."}, app)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewStructuredLogger logs one JSON line per request.
func NewStructuredLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
					"remote", r.RemoteAddr,
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// NewSecurityHeadersMiddleware sets the default security headers. imageHost is
// added to img-src when thumbnails are served from object storage.
func NewSecurityHeadersMiddleware(imageHost string) func(http.Handler) http.Handler {
	imgSrc := "'self' data:"
	if imageHost != "" {
		imgSrc += " " + imageHost
	}
	csp := "default-src 'self'; img-src " + imgSrc + "; frame-ancestors 'none'"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Content-Security-Policy", csp)
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "same-origin")
			next.ServeHTTP(w, r)
		})
	}
}
