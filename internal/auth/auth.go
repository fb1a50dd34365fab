// Package auth implements component C2: verifying the JWT every caller
// (controller or follower) presents on each Engine API request, and
// resolving which role that caller is acting as. Unlike a single shared
// secret, eleel accepts one secret per configured client and lets the
// token name which secret to check via an "id"/"key" claim, so followers
// can be rotated independently of the controller.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Role is which side of the multiplexer a verified caller is acting as.
type Role int

const (
	// RoleUnknown is returned only on verification failure.
	RoleUnknown Role = iota
	// RoleController is the single privileged caller whose responses are
	// cached and trusted as ground truth.
	RoleController
	// RoleFollower is any other verified caller; its calls are served
	// from cache/synthesis and never treated as authoritative.
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleController:
		return "controller"
	case RoleFollower:
		return "follower"
	default:
		return "unknown"
	}
}

// ErrNoCredentials is returned when a request carries no Authorization
// header at all.
var ErrNoCredentials = errors.New("auth: missing bearer token")

// ErrInvalidToken is returned for a malformed token, bad signature, or an
// iat claim outside the accepted clock-skew window.
var ErrInvalidToken = errors.New("auth: invalid token")

// ErrUnknownSecret is returned when the token names a client id/key that
// was never configured.
var ErrUnknownSecret = errors.New("auth: unknown client")

// clockSkew is the maximum allowed distance between a token's iat claim
// and the verifier's own clock, matching the Engine API authentication
// spec's ±60 second tolerance.
const clockSkew = 60 * time.Second

// Secret is one configured client credential: a signing secret and the
// role it authenticates as.
type Secret struct {
	Name string
	Key  []byte
	Role Role
}

// Verifier checks bearer tokens against a set of configured per-client
// secrets, keyed by the client's name (matched against the token's "id"
// or, failing that, "key" claim).
type Verifier struct {
	byName map[string]Secret
	// fallback is tried, in order, when the token carries no "id"/"key"
	// claim to disambiguate. The controller's own secret is normally
	// listed first here, since most deployments have exactly one
	// controller and many interchangeable followers.
	fallback []Secret
	now      func() time.Time
}

// NewVerifier builds a Verifier from the configured secrets. Order of
// fallback matters only when a caller presents a token with no "id"/"key"
// claim; configure the controller's secret first in that case.
func NewVerifier(secrets []Secret) *Verifier {
	v := &Verifier{
		byName:   make(map[string]Secret, len(secrets)),
		fallback: secrets,
		now:      time.Now,
	}
	for _, s := range secrets {
		if s.Name != "" {
			v.byName[s.Name] = s
		}
	}
	return v
}

// Verify checks the bearer token bearerHeader (the full "Bearer <token>"
// header value) and returns the role of the client it authenticates, or
// an error if the token is missing, malformed, expired/skewed, or names
// an unconfigured client.
func (v *Verifier) Verify(bearerHeader string) (Role, string, error) {
	raw := strings.TrimSpace(bearerHeader)
	if raw == "" {
		return RoleUnknown, "", ErrNoCredentials
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(raw, prefix) {
		return RoleUnknown, "", ErrNoCredentials
	}
	tokenStr := strings.TrimSpace(raw[len(prefix):])
	if tokenStr == "" {
		return RoleUnknown, "", ErrNoCredentials
	}

	claimHint, err := peekClientHint(tokenStr)
	if err != nil {
		return RoleUnknown, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	candidates := v.candidatesFor(claimHint)
	if len(candidates) == 0 {
		return RoleUnknown, "", ErrUnknownSecret
	}

	var lastErr error
	for _, secret := range candidates {
		if err := v.verifyAgainst(tokenStr, secret.Key); err != nil {
			lastErr = err
			continue
		}
		return secret.Role, secret.Name, nil
	}
	if lastErr == nil {
		lastErr = ErrInvalidToken
	}
	return RoleUnknown, "", lastErr
}

func (v *Verifier) candidatesFor(hint string) []Secret {
	if hint != "" {
		if s, ok := v.byName[hint]; ok {
			return []Secret{s}
		}
		return nil
	}
	return v.fallback
}

func (v *Verifier) verifyAgainst(tokenStr string, key []byte) error {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	iat, ok := claims["iat"]
	if !ok {
		return fmt.Errorf("%w: missing iat claim", ErrInvalidToken)
	}
	iatSeconds, ok := toFloat(iat)
	if !ok {
		return fmt.Errorf("%w: non-numeric iat claim", ErrInvalidToken)
	}
	issued := time.Unix(int64(iatSeconds), 0)
	skew := v.now().Sub(issued)
	if skew < 0 {
		skew = -skew
	}
	if skew > clockSkew {
		return fmt.Errorf("%w: iat outside %s tolerance", ErrInvalidToken, clockSkew)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// peekClientHint extracts the "id" claim, or failing that the "key"
// claim, from an unverified token, used only to select which configured
// secret to verify the signature against. It never trusts this value on
// its own; the signature check afterwards is what actually authenticates
// the caller.
func peekClientHint(tokenStr string) (string, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(tokenStr, claims)
	if err != nil {
		return "", err
	}
	if id, ok := claims["id"].(string); ok && id != "" {
		return id, nil
	}
	if key, ok := claims["key"].(string); ok && key != "" {
		return key, nil
	}
	return "", nil
}
