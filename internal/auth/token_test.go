package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/hrdesk/internal/errors"
)

func newTestSigner(t *testing.T, now *time.Time) *Signer {
	t.Helper()
	s, err := NewSigner(SignerOptions{
		Secret:   "test-secret",
		Audience: "hr-api",
		Lifetime: 5 * time.Minute,
		Now:      func() time.Time { return *now },
	})
	require.NoError(t, err)
	return s
}

// parseToken validates tok the way the receiving API does.
func parseToken(s *Signer, tok string) (*OwnerClaims, error) {
	token, err := jwt.ParseWithClaims(tok, &OwnerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	return token.Claims.(*OwnerClaims), nil
}

func TestNewSigner_EmptySecret(t *testing.T) {
	_, err := NewSigner(SignerOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
}

func TestSigner_TokenClaims(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	s := newTestSigner(t, &now)

	tok, err := s.Token(context.Background(), "emp-42")
	require.NoError(t, err)

	claims, err := parseToken(s, tok)
	require.NoError(t, err)
	assert.Equal(t, "emp-42", claims.Subject)
	assert.Equal(t, "sync", claims.Scope)
	assert.Equal(t, defaultIssuer, claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{"hr-api"}, claims.Audience)
	assert.Equal(t, now.Add(5*time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestSigner_TokenCachedUntilNearExpiry(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	s := newTestSigner(t, &now)
	ctx := context.Background()

	first, err := s.Token(ctx, "emp-1")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	second, err := s.Token(ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	now = now.Add(4 * time.Minute)
	third, err := s.Token(ctx, "emp-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)

	s.Forget("emp-1")
	fourth, err := s.Token(ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, third, fourth, "same second and claims produce the same token")
}

func TestSigner_EmptyOwner(t *testing.T) {
	now := time.Now()
	s := newTestSigner(t, &now)

	tok, err := s.Token(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestSigner_CancelledContext(t *testing.T) {
	now := time.Now()
	s := newTestSigner(t, &now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Token(ctx, "emp-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSigner_TokenRejectedByOtherKeyOrAfterExpiry(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	s := newTestSigner(t, &now)

	other, err := NewSigner(SignerOptions{Secret: "other-secret", Now: func() time.Time { return now }})
	require.NoError(t, err)
	foreign, err := other.Token(context.Background(), "emp-1")
	require.NoError(t, err)

	_, err = parseToken(s, foreign)
	assert.Error(t, err, "wrong key")

	tok, err := s.Token(context.Background(), "emp-1")
	require.NoError(t, err)
	now = now.Add(time.Hour)
	_, err = parseToken(s, tok)
	assert.Error(t, err, "expired")
}

func TestStaticTokens(t *testing.T) {
	p := StaticTokens{Tokens: map[string]string{"emp-1": "abc"}, Fallback: "shared"}

	tok, err := p.Token(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	tok, err = p.Token(context.Background(), "emp-2")
	require.NoError(t, err)
	assert.Equal(t, "shared", tok)
}
