package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/crypto/bcrypt"
)

// tokenAuth checks bearer tokens against a bcrypt hash. A verified token's
// digest is remembered so steady traffic does not pay bcrypt on every call.
type tokenAuth struct {
	hash []byte

	mu       sync.Mutex
	verified [sha256.Size]byte
	ok       bool
}

func newTokenAuth(hash string) *tokenAuth {
	return &tokenAuth{hash: []byte(hash)}
}

// HashToken returns the bcrypt hash to store as server.auth_token_hash.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(h), err
}

func (a *tokenAuth) validate(token string, c echo.Context) (bool, error) {
	digest := sha256.Sum256([]byte(token))

	a.mu.Lock()
	cached := a.ok && subtle.ConstantTimeCompare(digest[:], a.verified[:]) == 1
	a.mu.Unlock()
	if cached {
		return true, nil
	}

	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false, nil
	}
	a.mu.Lock()
	a.verified, a.ok = digest, true
	a.mu.Unlock()
	return true, nil
}

func (a *tokenAuth) middleware() echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator:  a.validate,
		Skipper:    publicPath,
	})
}

// publicPath lets health checks and agent discovery through without a token.
func publicPath(c echo.Context) bool {
	p := c.Request().URL.Path
	return p == "/health" || strings.HasPrefix(p, "/.well-known/")
}
