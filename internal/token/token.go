// Package token issues and verifies the opaque credentials that bind a
// served ad to an authorized later view and click.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMalformed means the token could not be parsed or its
	// signature did not verify.
	ErrMalformed = errors.New("malformed token")

	// ErrExpired means the token was valid but its lifetime passed.
	ErrExpired = errors.New("expired token")
)

// Claims is the payload bound into a token.
type Claims struct {
	AdID        string
	PlacementID string
	Nonce       string
	IssuedAt    time.Time
}

// Signer issues and verifies HMAC-SHA256 signed tokens with a bounded
// lifetime. Tokens are opaque to callers: the wire form is
// base64url(payload "." signature).
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner creates a Signer. An empty secret gets a random one, which
// is fine for development but invalidates tokens across restarts.
func NewSigner(secret string, ttl time.Duration) *Signer {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	return &Signer{secret: key, ttl: ttl}
}

// TTL returns the configured token lifetime.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Issue creates a token for an ad+placement pair at the given time.
// The nonce makes every issued token unique, so view deduplication can
// key on the token itself.
func (s *Signer) Issue(adID, placementID string, issuedAt time.Time) (string, Claims) {
	claims := Claims{
		AdID:        adID,
		PlacementID: placementID,
		Nonce:       uuid.New().String(),
		IssuedAt:    issuedAt.UTC().Truncate(time.Second),
	}

	payload := encodePayload(claims)
	sig := s.sign(payload)
	raw := payload + "." + sig

	return base64.RawURLEncoding.EncodeToString([]byte(raw)), claims
}

// Verify parses a token and checks signature and lifetime against now.
func (s *Signer) Verify(tok string, now time.Time) (Claims, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return Claims{}, ErrMalformed
	}

	payload, sig, ok := strings.Cut(string(decoded), ".")
	if !ok {
		return Claims{}, ErrMalformed
	}
	if !hmac.Equal([]byte(s.sign(payload)), []byte(sig)) {
		return Claims{}, ErrMalformed
	}

	claims, err := decodePayload(payload)
	if err != nil {
		return Claims{}, ErrMalformed
	}

	if s.ttl > 0 && now.After(claims.IssuedAt.Add(s.ttl)) {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func encodePayload(c Claims) string {
	return fmt.Sprintf("%s|%s|%s|%d", c.AdID, c.PlacementID, c.Nonce, c.IssuedAt.Unix())
}

func decodePayload(payload string) (Claims, error) {
	parts := strings.Split(payload, "|")
	if len(parts) != 4 {
		return Claims{}, ErrMalformed
	}
	ts, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	return Claims{
		AdID:        parts[0],
		PlacementID: parts[1],
		Nonce:       parts[2],
		IssuedAt:    time.Unix(ts, 0).UTC(),
	}, nil
}
