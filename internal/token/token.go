// Package token derives freshness information from observed bearer
// credentials. Tokens are decoded, never verified: the agent only needs the
// expiry claim, and it has no business holding the portal's signing keys.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultBuffer is subtracted from the expiry instant before comparison.
// The consumer surface can take several seconds to load and issue its first
// request; without the buffer a cold open intermittently hands out a token
// that dies mid-flight.
const DefaultBuffer = 300 * time.Second

// ErrNoExpiry is returned when the claims payload carries no expiry claim.
var ErrNoExpiry = errors.New("token: credential has no exp claim")

// Decode parses the claims payload of a bearer credential and returns the
// absolute expiry instant. The credential may carry a "Bearer " prefix.
// A malformed credential or a missing exp claim is a recoverable error; the
// caller must treat the credential as untrusted and keep its current state.
func Decode(credential string) (time.Time, error) {
	raw := strings.TrimSpace(credential)
	if prefix, rest, ok := strings.Cut(raw, " "); ok && strings.EqualFold(prefix, "Bearer") {
		raw = strings.TrimSpace(rest)
	}
	if raw == "" {
		return time.Time{}, errors.New("token: empty credential")
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, fmt.Errorf("token: decode: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// Expired reports whether a credential with the given expiry instant should
// no longer be handed out. A zero expiry means the expiry was never learned,
// which fails closed as expired.
func Expired(expiry time.Time, buffer time.Duration, now time.Time) bool {
	if expiry.IsZero() {
		return true
	}
	return now.After(expiry.Add(-buffer))
}
