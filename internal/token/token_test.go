package token

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	s := NewSigner("test-secret", 4*time.Hour)
	issuedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tok, claims := s.Issue("ad-1", "placement-1", issuedAt)
	require.NotEmpty(t, tok)
	assert.Equal(t, "ad-1", claims.AdID)
	assert.Equal(t, "placement-1", claims.PlacementID)
	assert.NotEmpty(t, claims.Nonce)
	assert.Equal(t, issuedAt, claims.IssuedAt)

	got, err := s.Verify(tok, issuedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, claims, got)
}

func TestVerifyExpired(t *testing.T) {
	s := NewSigner("test-secret", time.Hour)
	issuedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tok, _ := s.Issue("ad-1", "placement-1", issuedAt)

	_, err := s.Verify(tok, issuedAt.Add(59*time.Minute))
	assert.NoError(t, err)

	_, err = s.Verify(tok, issuedAt.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyTampered(t *testing.T) {
	s := NewSigner("test-secret", time.Hour)
	now := time.Now()

	tok, _ := s.Issue("ad-1", "placement-1", now)

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)

	// Swap the ad ID inside the payload; the signature must no longer
	// match.
	tampered := strings.Replace(string(raw), "ad-1", "ad-2", 1)
	forged := base64.RawURLEncoding.EncodeToString([]byte(tampered))

	_, err = s.Verify(forged, now)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVerifyWrongSecret(t *testing.T) {
	a := NewSigner("secret-a", time.Hour)
	b := NewSigner("secret-b", time.Hour)
	now := time.Now()

	tok, _ := a.Issue("ad-1", "placement-1", now)
	_, err := b.Verify(tok, now)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVerifyGarbage(t *testing.T) {
	s := NewSigner("test-secret", time.Hour)
	now := time.Now()

	for _, tok := range []string{"", "not base64!!", base64.RawURLEncoding.EncodeToString([]byte("no-dot"))} {
		_, err := s.Verify(tok, now)
		assert.ErrorIs(t, err, ErrMalformed, "token %q", tok)
	}
}

func TestNonceUniquePerIssue(t *testing.T) {
	s := NewSigner("test-secret", time.Hour)
	now := time.Now()

	_, c1 := s.Issue("ad-1", "placement-1", now)
	_, c2 := s.Issue("ad-1", "placement-1", now)
	assert.NotEqual(t, c1.Nonce, c2.Nonce)
}
