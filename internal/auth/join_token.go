package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	joinIssuer   = "combat-sync"
	joinAudience = "combat-sync/session"
)

// JoinClaims binds a participant to one session.
type JoinClaims struct {
	SessionID     string
	ParticipantID string
	DisplayName   string
	ExpiresAt     time.Time
}

type joinClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Name      string `json:"name,omitempty"`
}

// JoinTokens issues and verifies HS256 join tokens.
type JoinTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJoinTokens(secret []byte, ttl time.Duration, now func() time.Time) (*JoinTokens, error) {
	if len(secret) < 16 {
		return nil, errors.New("join token secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &JoinTokens{secret: secret, ttl: ttl, now: now}, nil
}

func (j *JoinTokens) Issue(sessionID, participantID, displayName string) (string, error) {
	now := j.now()
	claims := joinClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    joinIssuer,
			Subject:   participantID,
			Audience:  jwt.ClaimStrings{joinAudience},
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
		SessionID: sessionID,
		Name:      displayName,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign join token: %w", err)
	}
	return signed, nil
}

func (j *JoinTokens) Verify(token string) (JoinClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return JoinClaims{}, ErrMissingToken
	}
	var claims joinClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(joinIssuer),
		jwt.WithAudience(joinAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return JoinClaims{}, mapJWTError(err)
	}
	if claims.SessionID == "" || claims.Subject == "" {
		return JoinClaims{}, fmt.Errorf("%w: session and participant are required", ErrInvalidToken)
	}
	return JoinClaims{
		SessionID:     claims.SessionID,
		ParticipantID: claims.Subject,
		DisplayName:   claims.Name,
		ExpiresAt:     claims.ExpiresAt.Time,
	}, nil
}
