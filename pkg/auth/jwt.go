// Package auth issues and verifies the JWTs that gate every warrend
// HTTP endpoint except /auth, /health, /ready and /metrics, and handles
// the password check behind namespace login.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nimbusfleet/warren/pkg/apierr"
	"github.com/nimbusfleet/warren/pkg/store"
)

// AdminNamespace is the namespace whose tokens are authorized against
// every other namespace's resources.
const AdminNamespace = "all"

const tokenTTL = 1 * time.Hour

// claims is the JWT payload warrend issues and verifies.
type claims struct {
	Namespace string `json:"namespace"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies namespace-scoped access tokens.
type TokenIssuer struct {
	signingKey []byte
	store      *store.Store
}

// NewTokenIssuer derives a signing key from seed and binds st for
// password lookups.
func NewTokenIssuer(seed string, st *store.Store) (*TokenIssuer, error) {
	sm, err := NewSecretsManagerFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return &TokenIssuer{signingKey: sm.encryptionKey, store: st}, nil
}

// Authenticate checks password against the namespace's password list
// in the coordination store and, on success, issues a signed token.
func (t *TokenIssuer) Authenticate(namespace, password string) (string, error) {
	entry, err := t.store.GetPasswords(namespace)
	if err != nil {
		return "", fmt.Errorf("read passwords for %s: %w", namespace, err)
	}
	if entry == nil {
		return "", apierr.New(apierr.KindUnauthorized, fmt.Sprintf("unknown namespace %q", namespace))
	}

	for _, candidate := range entry.Passwords {
		if candidate == password {
			return t.issue(namespace)
		}
	}
	return "", apierr.New(apierr.KindUnauthorized, fmt.Sprintf("invalid password for namespace %q", namespace))
}

// IssueAdminToken mints a token in AdminNamespace without a password
// check, for internal machine-to-machine calls that must act with
// cluster-wide authority (e.g. proxying a network-lifecycle mutation
// to the network node) rather than on behalf of an authenticated
// caller.
func (t *TokenIssuer) IssueAdminToken() (string, error) {
	return t.issue(AdminNamespace)
}

func (t *TokenIssuer) issue(namespace string) (string, error) {
	now := time.Now()
	c := claims{
		Namespace: namespace,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(t.signingKey)
}

// Verify validates tokenString and returns the namespace it was
// issued for.
func (t *TokenIssuer) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return c.Namespace, nil
}

// Authorized reports whether a caller authenticated as namespace may
// act on resources owned by owner.
func Authorized(namespace, owner string) bool {
	return namespace == AdminNamespace || namespace == owner
}
