package api

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"taskfolio/domain"
)

// GoogleJWKSURL serves the public keys Google signs ID tokens with.
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	envGoogleTestMode   = "GOOGLE_AUTH_TEST_MODE"
	envTestJWTSecret    = "TEST_JWT_SECRET"
	envJWKSCacheTTL     = "JWKS_CACHE_TTL"
)

var googleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// GoogleVerifier validates Google-issued ID tokens against the provider's
// JWKS and the configured OAuth client id.
type GoogleVerifier struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewGoogleVerifier creates a verifier for tokens addressed to audience.
// With GOOGLE_AUTH_TEST_MODE=1 it instead accepts HS256 tokens signed with
// TEST_JWT_SECRET, so integration tests can mint their own assertions.
func NewGoogleVerifier(jwks *keyfunc.JWKS, audience string) *GoogleVerifier {
	v := &GoogleVerifier{JWKS: jwks, Audience: audience}
	v.keyCacheTTL = parseCacheTTL()

	if os.Getenv(envGoogleTestMode) == "1" {
		secret := os.Getenv(envTestJWTSecret)
		if secret == "" {
			panic("TEST_JWT_SECRET must be set when GOOGLE_AUTH_TEST_MODE=1")
		}
		v.TestMode = true
		v.TestSecret = []byte(secret)
	}

	if v.TestMode {
		v.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		v.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return v
}

func parseCacheTTL() time.Duration {
	ttl := defaultJWKSCacheTTL
	if raw := os.Getenv(envJWKSCacheTTL); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			panic("invalid JWKS_CACHE_TTL")
		}
		ttl = parsed
	}
	return ttl
}

// Verify checks the token's signature, expiry, audience and issuer and
// returns the attested identity.
func (v *GoogleVerifier) Verify(idToken string) (FederatedIdentity, error) {
	var parsedToken *jwt.Token
	var err error
	if v.TestMode {
		parsedToken, err = v.parser.Parse(idToken, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return v.TestSecret, nil
		})
	} else {
		parsedToken, err = v.parser.Parse(idToken, func(t *jwt.Token) (any, error) {
			return v.keyForToken(t)
		})
	}
	if err != nil {
		if isUpstreamFailure(err) {
			return FederatedIdentity{}, domain.ErrUpstreamUnavailable
		}
		return FederatedIdentity{}, err
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return FederatedIdentity{}, errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return FederatedIdentity{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return FederatedIdentity{}, errors.New("token not valid yet")
	}
	if v.Audience != "" && !claims.VerifyAudience(v.Audience, false) {
		return FederatedIdentity{}, errors.New("invalid audience")
	}
	if !v.TestMode && !verifyAnyIssuer(claims, googleIssuers) {
		return FederatedIdentity{}, errors.New("invalid issuer")
	}

	email, ok := claims["email"].(string)
	if !ok || email == "" {
		return FederatedIdentity{}, errors.New("missing email claim")
	}
	name, _ := claims["name"].(string)

	return FederatedIdentity{Email: email, Name: name}, nil
}

func verifyAnyIssuer(claims jwt.MapClaims, issuers []string) bool {
	for _, iss := range issuers {
		if claims.VerifyIssuer(iss, true) {
			return true
		}
	}
	return false
}

func (v *GoogleVerifier) keyForToken(token *jwt.Token) (any, error) {
	if v.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && v.keyCacheTTL > 0 {
		if cached, ok := v.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			v.keyCache.Delete(kid)
		}
	}

	key, err := v.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && v.keyCacheTTL > 0 {
		v.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(v.keyCacheTTL)})
	}
	return key, nil
}

// isUpstreamFailure distinguishes a JWKS fetch/refresh failure from a
// rejected token. An unknown kid means the token is bad; any other key
// lookup failure means the provider could not be consulted.
func isUpstreamFailure(err error) bool {
	var ve *jwt.ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	if ve.Errors&jwt.ValidationErrorUnverifiable == 0 || ve.Inner == nil {
		return false
	}
	return !errors.Is(ve.Inner, keyfunc.ErrKIDNotFound)
}
