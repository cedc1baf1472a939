package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func now() time.Time { return fixedNow }

func signIdentity(t *testing.T, method jwt.SigningMethod, key any, mutate func(*identityClaims)) string {
	t.Helper()
	claims := identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://id.example.test",
			Subject:   "user-42",
			Audience:  jwt.ClaimStrings{"combat-sync"},
			IssuedAt:  jwt.NewNumericDate(fixedNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(fixedNow.Add(time.Hour)),
		},
		Name: "Ada",
	}
	if mutate != nil {
		mutate(&claims)
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestVerifier_EdDSA(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v, err := NewVerifier(IdentityConfig{Issuer: "https://id.example.test", Audience: "combat-sync", PublicKey: pub, Now: now})
	require.NoError(t, err)

	id, err := v.Verify(signIdentity(t, jwt.SigningMethodEdDSA, priv, nil))
	require.NoError(t, err)
	assert.Equal(t, Identity{Subject: "user-42", DisplayName: "Ada"}, id)

	_, err = v.Verify(signIdentity(t, jwt.SigningMethodHS256, []byte("not-configured-secret"), nil))
	assert.ErrorIs(t, err, ErrInvalidToken, "HS256 is not accepted without a secret")
}

func TestVerifier_Rejections(t *testing.T) {
	secret := []byte("identity-provider-shared-secret")
	v, err := NewVerifier(IdentityConfig{Issuer: "https://id.example.test", Audience: "combat-sync", Secret: secret, Now: now})
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		target error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not.a.jwt", ErrInvalidToken},
		{"expired", signIdentity(t, jwt.SigningMethodHS256, secret, func(c *identityClaims) {
			c.ExpiresAt = jwt.NewNumericDate(fixedNow.Add(-time.Second))
		}), ErrExpiredToken},
		{"no expiry", signIdentity(t, jwt.SigningMethodHS256, secret, func(c *identityClaims) { c.ExpiresAt = nil }), ErrInvalidToken},
		{"wrong issuer", signIdentity(t, jwt.SigningMethodHS256, secret, func(c *identityClaims) { c.Issuer = "https://evil.test" }), ErrInvalidToken},
		{"wrong audience", signIdentity(t, jwt.SigningMethodHS256, secret, func(c *identityClaims) { c.Audience = jwt.ClaimStrings{"other"} }), ErrInvalidToken},
		{"no subject", signIdentity(t, jwt.SigningMethodHS256, secret, func(c *identityClaims) { c.Subject = "" }), ErrInvalidToken},
		{"wrong secret", signIdentity(t, jwt.SigningMethodHS256, []byte("some-other-secret-value"), nil), ErrInvalidToken},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(tc.token)
			assert.ErrorIs(t, err, tc.target)
		})
	}
}

func TestVerifier_DisplayNameFallback(t *testing.T) {
	secret := []byte("identity-provider-shared-secret")
	v, err := NewVerifier(IdentityConfig{Issuer: "https://id.example.test", Secret: secret, Now: now})
	require.NoError(t, err)

	id, err := v.Verify(signIdentity(t, jwt.SigningMethodHS256, secret, func(c *identityClaims) {
		c.Name = ""
		c.PreferredUsername = "ada_l"
	}))
	require.NoError(t, err)
	assert.Equal(t, "ada_l", id.DisplayName)

	id, err = v.Verify(signIdentity(t, jwt.SigningMethodHS256, secret, func(c *identityClaims) { c.Name = "" }))
	require.NoError(t, err)
	assert.Equal(t, "user-42", id.DisplayName)
}

func TestNewVerifier_Config(t *testing.T) {
	_, err := NewVerifier(IdentityConfig{Secret: []byte("x")})
	assert.Error(t, err, "issuer required")
	_, err = NewVerifier(IdentityConfig{Issuer: "iss"})
	assert.Error(t, err, "key required")
	_, err = NewVerifier(IdentityConfig{Issuer: "iss", PublicKey: []byte("short")})
	assert.Error(t, err)
}

func TestDecodeKey(t *testing.T) {
	raw := []byte{0xfb, 0xff, 0x01, 0x02}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawURLEncoding} {
		got, err := DecodeKey(enc.EncodeToString(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	}
	_, err := DecodeKey("%%%")
	assert.Error(t, err)
}

func TestJoinTokens_RoundTrip(t *testing.T) {
	tokens, err := NewJoinTokens([]byte("join-token-secret-0123456789"), 10*time.Minute, now)
	require.NoError(t, err)

	signed, err := tokens.Issue("s1", "user-42", "Ada")
	require.NoError(t, err)

	claims, err := tokens.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "s1", claims.SessionID)
	assert.Equal(t, "user-42", claims.ParticipantID)
	assert.Equal(t, "Ada", claims.DisplayName)
	assert.True(t, claims.ExpiresAt.Equal(fixedNow.Add(10*time.Minute)))
}

func TestJoinTokens_Rejections(t *testing.T) {
	secret := []byte("join-token-secret-0123456789")
	tokens, err := NewJoinTokens(secret, time.Minute, now)
	require.NoError(t, err)
	signed, err := tokens.Issue("s1", "user-42", "")
	require.NoError(t, err)

	later, err := NewJoinTokens(secret, time.Minute, func() time.Time { return fixedNow.Add(2 * time.Minute) })
	require.NoError(t, err)
	_, err = later.Verify(signed)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other, err := NewJoinTokens([]byte("a-different-secret-987654"), time.Minute, now)
	require.NoError(t, err)
	_, err = other.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = tokens.Verify("  ")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = NewJoinTokens([]byte("short"), time.Minute, now)
	assert.Error(t, err)
}
