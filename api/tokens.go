package api

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// DefaultSessionTTL is the lifetime of issued session tokens. Expiry is the
// sole revocation mechanism; there is no revocation list.
const DefaultSessionTTL = 24 * time.Hour

// Session token verification failures.
var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("malformed token")
	ErrBadSignature   = errors.New("invalid token signature")
)

// TokenCodec issues and verifies stateless session tokens: HS256 JWTs
// carrying the user id, signed with a server-held secret.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
	parser *jwt.Parser
}

// NewTokenCodec creates a codec signing with secret. A zero ttl falls back
// to DefaultSessionTTL; a negative ttl mints already-expired tokens.
func NewTokenCodec(secret []byte, ttl time.Duration) *TokenCodec {
	if len(secret) == 0 {
		panic("api.NewTokenCodec: empty signing secret")
	}
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	return &TokenCodec{
		secret: secret,
		ttl:    ttl,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// Issue returns a signed token for userID, valid for the codec's TTL.
func (c *TokenCodec) Issue(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Verify checks the token's signature and expiry and returns the encoded
// user id. There is no expiry grace window.
func (c *TokenCodec) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := c.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return "", mapTokenError(err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrTokenMalformed
	}
	if claims.ExpiresAt == nil {
		return "", ErrTokenMalformed
	}
	return claims.Subject, nil
}

func mapTokenError(err error) error {
	var ve *jwt.ValidationError
	if !errors.As(err, &ve) {
		return ErrTokenMalformed
	}
	switch {
	case ve.Errors&jwt.ValidationErrorExpired != 0:
		return ErrTokenExpired
	case ve.Errors&(jwt.ValidationErrorSignatureInvalid|jwt.ValidationErrorUnverifiable) != 0:
		return ErrBadSignature
	default:
		return ErrTokenMalformed
	}
}
