package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerScheme = "Bearer "

// bearerToken extracts the session token from the Authorization header. The
// returned token is a slice of the header value, never a copy. Session
// tokens are compact JWTs, so anything that is not exactly two-dot shaped
// is rejected before signature verification is attempted.
func bearerToken(header http.Header) (string, error) {
	values := header.Values(echo.HeaderAuthorization)
	if len(values) == 0 {
		return "", errMissingAuthorization
	}
	return bearerTokenFromString(values[0])
}

func bearerTokenFromString(raw string) (string, error) {
	trimmed := strings.Trim(raw, " ")
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	if !strings.HasPrefix(trimmed, bearerScheme) {
		return "", errBadAuthorization
	}
	token := trimmed[len(bearerScheme):]
	if token == "" || strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}
