package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const authenticatedKey = "authenticated"

// CheckPassword accepts ?password=, Authorization: Bearer or X-Auth-Token.
func CheckPassword(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && equal(q, password) {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if equal(strings.TrimSpace(ah[len("Bearer "):]), password) {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && equal(x, password) {
		return true
	}
	return false
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func hasCredentials(r *http.Request) bool {
	return r.URL.Query().Get("password") != "" ||
		r.Header.Get("Authorization") != "" ||
		r.Header.Get("X-Auth-Token") != ""
}

// PasswordAuth guards a route with a shared password.
// Requests without credentials pass through unauthenticated so the handler can
// fall back to an in-band auth frame; wrong credentials are rejected with 401.
func PasswordAuth(password string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			switch {
			case password == "" || CheckPassword(r, password):
				c.Set(authenticatedKey, true)
			case hasCredentials(r):
				return c.String(http.StatusUnauthorized, "unauthorized")
			default:
				c.Set(authenticatedKey, false)
			}
			return next(c)
		}
	}
}

// Authenticated reports whether PasswordAuth accepted the request's credentials.
func Authenticated(c echo.Context) bool {
	ok, _ := c.Get(authenticatedKey).(bool)
	return ok
}
