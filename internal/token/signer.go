package token

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/EternisAI/buildctl/internal/credentials"
)

var ErrSigningFailure = errors.New("token signing failed")

const (
	// Lifetime is how long a signed token stays valid. The vendor API
	// rejects tokens with a longer expiry window.
	Lifetime = 20 * time.Minute

	// RefreshMargin is the buffer before expiry after which a cached token
	// is no longer handed out and a fresh one is signed instead.
	RefreshMargin = 60 * time.Second

	// Audience identifies the target API in the token's aud claim.
	Audience = "buildcloud-v1"
)

// SignedToken is a short-lived bearer token for the vendor API.
type SignedToken struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Fresh reports whether the token is still usable at instant now, i.e. not
// within RefreshMargin of its expiry.
func (t SignedToken) Fresh(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt.Add(-RefreshMargin))
}

// Signer produces ES256-signed tokens from a resolved credential.
type Signer struct {
	now func() time.Time
}

func NewSigner() *Signer {
	return &Signer{now: time.Now}
}

// NewSignerWithClock allows tests to control the issued-at instant.
func NewSignerWithClock(now func() time.Time) *Signer {
	return &Signer{now: now}
}

// Sign builds and signs a token for the credential. The key identifier goes
// into the kid header so the API can select the matching public key.
func (s *Signer) Sign(cred credentials.Credential) (SignedToken, error) {
	if cred.PrivateKey == nil {
		return SignedToken{}, fmt.Errorf("%w: credential has no private key", ErrSigningFailure)
	}

	issuedAt := s.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(Lifetime)

	claims := jwt.MapClaims{
		"iss": cred.IssuerID,
		"iat": issuedAt.Unix(),
		"exp": expiresAt.Unix(),
		"aud": Audience,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = cred.KeyID

	value, err := tok.SignedString(cred.PrivateKey)
	if err != nil {
		return SignedToken{}, fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}

	return SignedToken{
		Value:     value,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// CachedSigner hands out a previously signed token until it is within
// RefreshMargin of expiry, then signs a fresh one. Safe for concurrent use;
// the critical section prevents two callers from re-signing simultaneously.
type CachedSigner struct {
	signer *Signer
	cred   credentials.Credential
	now    func() time.Time

	mu     sync.Mutex
	cached SignedToken
}

func NewCachedSigner(signer *Signer, cred credentials.Credential) *CachedSigner {
	return &CachedSigner{
		signer: signer,
		cred:   cred,
		now:    time.Now,
	}
}

// NewCachedSignerWithClock allows tests to control the reuse decision.
func NewCachedSignerWithClock(signer *Signer, cred credentials.Credential, now func() time.Time) *CachedSigner {
	return &CachedSigner{
		signer: signer,
		cred:   cred,
		now:    now,
	}
}

// Token returns a token that is guaranteed to remain valid for at least
// RefreshMargin from now.
func (c *CachedSigner) Token() (SignedToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached.Fresh(c.now()) {
		return c.cached, nil
	}

	tok, err := c.signer.Sign(c.cred)
	if err != nil {
		return SignedToken{}, err
	}
	c.cached = tok

	return tok, nil
}
