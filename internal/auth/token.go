// Package auth issues per-owner bearer tokens for outbound sync requests.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/kimhsiao/hrdesk/internal/errors"
)

const (
	defaultIssuer   = "hrsyncd"
	defaultLifetime = 15 * time.Minute
	// refreshMargin is how long before expiry a cached token is replaced.
	refreshMargin = 30 * time.Second
)

// OwnerClaims are the claims carried by an owner token.
type OwnerClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Signer issues HS256 tokens whose subject is the operation owner.
type Signer struct {
	secret   []byte
	issuer   string
	audience string
	lifetime time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	value   string
	expires time.Time
}

// SignerOptions configures a Signer.
type SignerOptions struct {
	Secret   string
	Issuer   string
	Audience string
	Lifetime time.Duration
	Now      func() time.Time
}

// NewSigner creates a Signer. An empty secret is rejected.
func NewSigner(opts SignerOptions) (*Signer, error) {
	if opts.Secret == "" {
		return nil, apperrors.New(apperrors.ErrConfigInvalid, "token secret is empty")
	}
	if opts.Issuer == "" {
		opts.Issuer = defaultIssuer
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = defaultLifetime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Signer{
		secret:   []byte(opts.Secret),
		issuer:   opts.Issuer,
		audience: opts.Audience,
		lifetime: opts.Lifetime,
		now:      opts.Now,
		cache:    make(map[string]cachedToken),
	}, nil
}

// Token returns a token for ownerID, reusing a cached one until it is close
// to expiry. An empty owner yields no token.
func (s *Signer) Token(ctx context.Context, ownerID string) (string, error) {
	if ownerID == "" {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cache[ownerID]; ok && now.Add(refreshMargin).Before(c.expires) {
		return c.value, nil
	}

	expires := now.Add(s.lifetime)
	claims := OwnerClaims{
		Scope: "sync",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   ownerID,
			ExpiresAt: jwt.NewNumericDate(expires),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "sign owner token", err)
	}
	s.cache[ownerID] = cachedToken{value: signed, expires: expires}
	return signed, nil
}

// Forget drops the cached token for ownerID.
func (s *Signer) Forget(ownerID string) {
	s.mu.Lock()
	delete(s.cache, ownerID)
	s.mu.Unlock()
}

// StaticTokens serves fixed tokens per owner, with an optional fallback for
// owners not in the map.
type StaticTokens struct {
	Tokens   map[string]string
	Fallback string
}

// Token implements the sync token provider contract.
func (s StaticTokens) Token(_ context.Context, ownerID string) (string, error) {
	if tok, ok := s.Tokens[ownerID]; ok {
		return tok, nil
	}
	return s.Fallback, nil
}
