package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Logging logs every request with a request id, its status and the user
// Authentication found. It belongs at the front of a chain.
func Logging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Generate (or reuse) a unique request ID.
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx, info := withInfo(r.Context())
		sw := &statusWriter{ResponseWriter: w}
		next(sw, r.WithContext(ctx))
		if sw.status == 0 {
			sw.status = http.StatusOK
		}

		clientIP := r.RemoteAddr
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			clientIP = forwarded
		}
		username := info.user
		if username == "" {
			username = "anonymous"
		}

		level := slog.LevelInfo
		if sw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "HTTP request completed",
			"request_id", requestID,
			"client_ip", clientIP,
			"user_id", username,
			"method", r.Method,
			"uri", r.RequestURI,
			"status", sw.status,
			"bytes", sw.bytes,
			"duration", time.Since(start),
			"user_agent", r.UserAgent(),
		)
	}
}
