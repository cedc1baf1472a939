package media

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssue(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	secret := []byte("relay-secret")
	g := NewGrantIssuer(Config{
		URL:    "wss://relay.example.test",
		APIKey: "APIkey1",
		Secret: secret,
		TTL:    30 * time.Minute,
		Now:    func() time.Time { return now },
	})

	grant, err := g.Issue("s1", "user-42", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.test", grant.URL)
	assert.Equal(t, "s1", grant.Room)
	assert.True(t, grant.ExpiresAt.Equal(now.Add(30*time.Minute)))

	var claims grantClaims
	_, err = jwt.ParseWithClaims(grant.Token, &claims, func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	require.NoError(t, err)
	assert.Equal(t, "APIkey1", claims.Issuer)
	assert.Equal(t, "user-42", claims.Subject)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, VideoGrant{Room: "s1", RoomJoin: true, CanPublish: true, CanSubscribe: true}, claims.Video)
}

func TestIssue_NotConfigured(t *testing.T) {
	_, err := NewGrantIssuer(Config{URL: "wss://relay"}).Issue("s1", "u", "")
	assert.ErrorIs(t, err, ErrNotConfigured)

	var nilIssuer *GrantIssuer
	assert.False(t, nilIssuer.Enabled())
}

func TestIssue_RequiresRoomAndIdentity(t *testing.T) {
	g := NewGrantIssuer(Config{URL: "wss://relay", APIKey: "k", Secret: []byte("s")})
	_, err := g.Issue("", "u", "")
	assert.Error(t, err)
	_, err = g.Issue("s1", " ", "")
	assert.Error(t, err)
}
