package middleware

import (
	"net/http"

	"gameserver/engine/config"
)

// apiHeaders are set on every response. The server only speaks JSON, so
// nothing may be framed, sniffed or loaded.
var apiHeaders = map[string]string{
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
	"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
	"Cache-Control":           "no-store",
}

// SecurityHeaders adds the API response headers, plus HSTS when TLS is configured.
func SecurityHeaders(conf *config.ConfigSettings) Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for k, v := range apiHeaders {
				h.Set(k, v)
			}
			if conf.SslSettings != (config.SslConfig{}) {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next(w, r)
		}
	}
}
