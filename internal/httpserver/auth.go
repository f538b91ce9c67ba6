package httpserver

import (
	"crypto/hmac"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// tokenOK accepts the shared token from a bearer header, X-Auth-Token or the
// token query parameter. An empty expected token accepts everything.
func tokenOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	candidates := []string{
		r.Header.Get("X-Auth-Token"),
		r.URL.Query().Get("token"),
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		candidates = append(candidates, strings.TrimSpace(auth[7:]))
	}
	for _, c := range candidates {
		if c != "" && hmac.Equal([]byte(c), []byte(expected)) {
			return true
		}
	}
	return false
}

// TokenAuth guards the routes it wraps with a shared token. getToken is read
// per request so a reloaded config takes effect.
func TokenAuth(getToken func() string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tokenOK(c.Request(), getToken()) {
				return c.String(http.StatusUnauthorized, "invalid token")
			}
			return next(c)
		}
	}
}
