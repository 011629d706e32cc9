package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"gameserver/engine/config"
)

func TestSecurityHeaders(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	serve := func(conf *config.ConfigSettings) http.Header {
		w := httptest.NewRecorder()
		SecurityHeaders(conf)(handler)(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		return w.Result().Header
	}

	t.Run("without SSL", func(t *testing.T) {
		headers := serve(&config.ConfigSettings{})
		assert.Empty(t, headers.Get("Strict-Transport-Security"), "HSTS needs TLS")
		assert.Equal(t, "DENY", headers.Get("X-Frame-Options"))
		assert.Equal(t, "nosniff", headers.Get("X-Content-Type-Options"))
		assert.Contains(t, headers.Get("Content-Security-Policy"), "default-src 'none'")
		assert.Contains(t, headers.Get("Content-Security-Policy"), "frame-ancestors 'none'")
		assert.Equal(t, "no-store", headers.Get("Cache-Control"))
		assert.Contains(t, headers.Get("Permissions-Policy"), "camera=()")
	})

	t.Run("with SSL", func(t *testing.T) {
		headers := serve(&config.ConfigSettings{SslSettings: config.SslConfig{
			HttpsCert: "/path/to/cert.pem",
			HttpsKey:  "/path/to/key.pem",
		}})
		assert.Equal(t, "max-age=31536000; includeSubDomains", headers.Get("Strict-Transport-Security"))
	})
}
