package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"gameserver/engine/config"
)

const (
	COOKIENAME = "gameserver"
	tokenTTL   = 12 * time.Hour
)

type contextKey string

const (
	UsernameKey contextKey = "username"
	RolesKey    contextKey = "roles"
)

// Claims identify an admin session.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

func signingKey() []byte {
	return []byte(conf.MiscSettings.JWTSecret)
}

// IssueToken signs a token for username, valid for tokenTTL.
func IssueToken(username string, roles []string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    conf.RequiredSettings.EventName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey())
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

func parseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return signingKey(), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// bearer finds the token in the Authorization header or the session cookie.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(COOKIENAME); err == nil {
		return c.Value
	}
	return ""
}

// Authenticate returns the user and roles of the request, or "" if it carries no valid token.
func Authenticate(w http.ResponseWriter, r *http.Request) (string, []string) {
	raw := bearer(r)
	if raw == "" {
		return "", nil
	}
	claims, err := parseToken(raw)
	if err != nil {
		slog.Debug("rejected token", "error", err)
		return "", nil
	}
	return claims.Subject, claims.Roles
}

// WithUser stores the authenticated user on ctx.
func WithUser(ctx context.Context, username string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UsernameKey, username)
	return context.WithValue(ctx, RolesKey, roles)
}

func checkCredentials(username, password string) bool {
	ok := false
	for _, admin := range conf.Admin {
		nameMatch := subtle.ConstantTimeCompare([]byte(admin.Name), []byte(username)) == 1
		pwMatch := subtle.ConstantTimeCompare([]byte(admin.Pw), []byte(password)) == 1
		if nameMatch && pwMatch {
			ok = true
		}
	}
	return ok
}

func Login(w http.ResponseWriter, r *http.Request) {
	var form struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, "missing fields")
		return
	}
	if strings.TrimSpace(form.Username) == "" || strings.TrimSpace(form.Password) == "" {
		writeError(w, http.StatusBadRequest, "username or password can't be empty")
		return
	}
	if !checkCredentials(form.Username, form.Password) {
		slog.Warn("failed login", "username", form.Username, "client_ip", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := IssueToken(form.Username, []string{"admin"})
	if err != nil {
		slog.Error("failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     COOKIENAME,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   conf.SslSettings != (config.SslConfig{}),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(tokenTTL.Seconds()),
	})
	WriteJSON(w, http.StatusOK, map[string]any{"token": token, "expires_in": int(tokenTTL.Seconds())})
}

func Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   COOKIENAME,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
