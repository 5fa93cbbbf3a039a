package api

import (
	"errors"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// AuthOptions tunes token validation. A TestSecret switches the validator to
// HS256 tokens signed with that secret, for local runs and tests.
type AuthOptions struct {
	TestSecret  []byte
	KeyCacheTTL time.Duration
}

// Auth validates incoming JWT tokens and yields the subject as the user id.
type Auth struct {
	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string

	testSecret  []byte
	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string, opts AuthOptions) *Auth {
	a := &Auth{JWKS: jwks, Audience: audience, Issuer: issuer, testSecret: opts.TestSecret, keyCacheTTL: opts.KeyCacheTTL}
	if a.keyCacheTTL == 0 {
		a.keyCacheTTL = defaultJWKSCacheTTL
	}
	if len(a.testSecret) > 0 {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	parsed, err := a.parser.Parse(token, a.keyFor)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return "", errors.New("invalid issuer")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyFor(token *jwt.Token) (any, error) {
	if len(a.testSecret) > 0 {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.testSecret, nil
	}
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}
	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
