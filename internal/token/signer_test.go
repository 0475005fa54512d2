package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/buildctl/internal/credentials"
)

func testCredential(t *testing.T) credentials.Credential {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	return credentials.Credential{
		KeyID:      "ABC123DEFG",
		IssuerID:   "69a6de70-03db-47e3-e053-5b8c7c11a4d1",
		PrivateKey: key,
	}
}

func TestSignProducesValidToken(t *testing.T) {
	cred := testCredential(t)
	issued := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	signer := NewSignerWithClock(func() time.Time { return issued })
	tok, err := signer.Sign(cred)
	require.NoError(t, err)

	assert.Equal(t, issued, tok.IssuedAt)
	assert.Equal(t, issued.Add(Lifetime), tok.ExpiresAt)

	parsed, err := jwt.Parse(tok.Value, func(t *jwt.Token) (any, error) {
		return &cred.PrivateKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithAudience(Audience),
		jwt.WithIssuer(cred.IssuerID),
		jwt.WithTimeFunc(func() time.Time { return issued }))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	assert.Equal(t, cred.KeyID, parsed.Header["kid"])

	claims := parsed.Claims.(jwt.MapClaims)
	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	iat, err := claims.GetIssuedAt()
	require.NoError(t, err)
	assert.Equal(t, Lifetime, exp.Sub(iat.Time))
}

func TestSignTwiceBothValidate(t *testing.T) {
	// ECDSA signatures are randomized; two signings of the same payload may
	// differ in bytes but both must validate.
	cred := testCredential(t)
	issued := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	signer := NewSignerWithClock(func() time.Time { return issued })

	first, err := signer.Sign(cred)
	require.NoError(t, err)
	second, err := signer.Sign(cred)
	require.NoError(t, err)

	for _, tok := range []SignedToken{first, second} {
		parsed, err := jwt.Parse(tok.Value, func(t *jwt.Token) (any, error) {
			return &cred.PrivateKey.PublicKey, nil
		}, jwt.WithValidMethods([]string{"ES256"}),
			jwt.WithTimeFunc(func() time.Time { return issued }))
		require.NoError(t, err)
		assert.True(t, parsed.Valid)
	}
}

func TestSignWithoutKey(t *testing.T) {
	signer := NewSigner()

	_, err := signer.Sign(credentials.Credential{KeyID: "ABC123DEFG"})
	assert.ErrorIs(t, err, ErrSigningFailure)
}

func TestCachedSignerReusesUntilMargin(t *testing.T) {
	cred := testCredential(t)
	issued := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	clock := issued
	now := func() time.Time { return clock }

	cached := NewCachedSignerWithClock(NewSignerWithClock(now), cred, now)

	first, err := cached.Token()
	require.NoError(t, err)

	// Just before the safety margin: reuse.
	clock = issued.Add(Lifetime - RefreshMargin - time.Second)
	again, err := cached.Token()
	require.NoError(t, err)
	assert.Equal(t, first.Value, again.Value)

	// At the margin: re-sign.
	clock = issued.Add(Lifetime - RefreshMargin)
	fresh, err := cached.Token()
	require.NoError(t, err)
	assert.NotEqual(t, first.Value, fresh.Value)
	assert.Equal(t, clock, fresh.IssuedAt)
}

func TestCachedSignerConcurrentAccess(t *testing.T) {
	cred := testCredential(t)
	cached := NewCachedSigner(NewSigner(), cred)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := cached.Token()
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
}
