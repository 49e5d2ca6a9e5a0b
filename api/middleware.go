package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"taskfolio/domain"
)

// principalKey is the echo context key the auth gate stores the resolved
// principal under.
const principalKey = "taskfolio.principal"

// AuthGate verifies the bearer session token, resolves it to a live user
// and attaches that principal to the request context. Requests that fail
// any step are rejected with 401 before business logic runs. The failure
// message is deliberately generic.
func AuthGate(codec *TokenCodec, store Store) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := bearerToken(c.Request().Header)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorBody{Message: "unauthorized"})
			}
			userID, err := codec.Verify(token)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorBody{Message: "unauthorized"})
			}
			// A valid token for a deleted account is still unauthorized.
			user, err := store.GetUser(c.Request().Context(), userID)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorBody{Message: "unauthorized"})
			}
			c.Set(principalKey, user)
			return next(c)
		}
	}
}

// principalFrom returns the authenticated user attached by AuthGate.
func principalFrom(c echo.Context) (domain.User, bool) {
	user, ok := c.Get(principalKey).(domain.User)
	return user, ok
}
