// Package auth issues and verifies the bearer tokens that authenticate
// callers against Fletcher's HTTP API. Credentials are declared once at
// startup via REMOTE_APIS; there is no per-request credential store.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/fletcher-data/fletcher/internal/core"
)

// RemoteAPI is one entry of the REMOTE_APIS configuration: a recognized
// caller identified by service name, its bcrypt-hashed key, and the roles
// it is granted.
type RemoteAPI struct {
	Service string   `json:"service"`
	Hash    string   `json:"hash"`
	Roles   []string `json:"roles"`
}

// ParseRemoteAPIs decodes the REMOTE_APIS environment variable, a JSON
// array of RemoteAPI entries.
func ParseRemoteAPIs(raw string) ([]RemoteAPI, error) {
	var apis []RemoteAPI
	if err := json.Unmarshal([]byte(raw), &apis); err != nil {
		return nil, fmt.Errorf("parse REMOTE_APIS: %w", err)
	}

	return apis, nil
}

// Claims is the payload carried by a Fletcher bearer token.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// ErrInvalidCredentials is returned by Authenticate on an unknown service
// or a key that doesn't match the registered hash.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Issuer authenticates REMOTE_APIS-declared services and signs bearer
// tokens for them.
type Issuer struct {
	secretKey []byte
	ttl       time.Duration
	byService map[string]RemoteAPI
}

// NewIssuer builds an Issuer from the REMOTE_APIS entries, signing tokens
// with secretKey and a default time-to-live of ttl (spec default 3600s).
func NewIssuer(secretKey string, ttl time.Duration, apis []RemoteAPI) *Issuer {
	byService := make(map[string]RemoteAPI, len(apis))
	for _, a := range apis {
		byService[a.Service] = a
	}

	return &Issuer{secretKey: []byte(secretKey), ttl: ttl, byService: byService}
}

// Token is the result of a successful authentication.
type Token struct {
	AccessToken string
	TokenType   string
	Issued      time.Time
	Expires     time.Time
	TTL         time.Duration
	Service     string
	Roles       []string
}

// Authenticate validates key against the bcrypt hash registered for
// service and, on success, issues a signed bearer token carrying service
// and its granted roles.
func (i *Issuer) Authenticate(service, key string) (*Token, error) {
	api, ok := i.byService[service]
	if !ok {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(api.Hash), []byte(key)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expires := now.Add(i.ttl)

	claims := Claims{
		Roles: api.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   service,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secretKey)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		Issued:      now,
		Expires:     expires,
		TTL:         i.ttl,
		Service:     service,
		Roles:       api.Roles,
	}, nil
}

// Identity is the authenticated caller extracted from a verified token.
type Identity struct {
	Service string
	Roles   []string
}

// HasRole reports whether the identity carries role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}

	return false
}

// Verifier validates bearer tokens issued by an Issuer sharing the same
// secret key.
type Verifier struct {
	secretKey []byte
}

// NewVerifier builds a Verifier over secretKey.
func NewVerifier(secretKey string) *Verifier {
	return &Verifier{secretKey: []byte(secretKey)}
}

// Verify parses and validates tokenString, returning the caller's Identity
// on success. Expired, malformed, or mis-signed tokens return
// core.ErrUnauthorized.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}

		return v.secretKey, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", core.ErrUnauthorized, err)
	}

	return Identity{Service: claims.Subject, Roles: claims.Roles}, nil
}
