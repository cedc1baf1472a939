// Package media issues room grants for the external voice/video relay. The
// relay carries the media; this service only vouches that a participant
// belongs to the room named after their session.
package media

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrNotConfigured = errors.New("media relay is not configured")

type Config struct {
	URL    string
	APIKey string
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// Grant is what a client needs to connect to the relay.
type Grant struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	Room      string    `json:"room"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// VideoGrant mirrors the room permissions the relay understands.
type VideoGrant struct {
	Room         string `json:"room"`
	RoomJoin     bool   `json:"roomJoin"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

type grantClaims struct {
	jwt.RegisteredClaims
	Name  string     `json:"name,omitempty"`
	Video VideoGrant `json:"video"`
}

type GrantIssuer struct {
	cfg Config
}

func NewGrantIssuer(cfg Config) *GrantIssuer {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &GrantIssuer{cfg: cfg}
}

// Enabled is false when any relay setting is missing.
func (g *GrantIssuer) Enabled() bool {
	return g != nil && g.cfg.URL != "" && g.cfg.APIKey != "" && len(g.cfg.Secret) > 0
}

func (g *GrantIssuer) Issue(room, identity, name string) (Grant, error) {
	if !g.Enabled() {
		return Grant{}, ErrNotConfigured
	}
	if strings.TrimSpace(room) == "" || strings.TrimSpace(identity) == "" {
		return Grant{}, errors.New("room and identity are required")
	}

	now := g.cfg.Now()
	exp := now.Add(g.cfg.TTL)
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.cfg.APIKey,
			Subject:   identity,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Name: name,
		Video: VideoGrant{
			Room:         room,
			RoomJoin:     true,
			CanPublish:   true,
			CanSubscribe: true,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.cfg.Secret)
	if err != nil {
		return Grant{}, fmt.Errorf("sign media grant: %w", err)
	}
	return Grant{URL: g.cfg.URL, Token: signed, Room: room, ExpiresAt: exp}, nil
}
