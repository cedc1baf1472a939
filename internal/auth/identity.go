// Package auth verifies identity tokens from the external identity provider
// and issues the short-lived join tokens that admit a participant to one
// session.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("token is required")
	ErrInvalidToken = errors.New("token is invalid")
	ErrExpiredToken = errors.New("token is expired")
)

// Identity is a verified participant as asserted by the identity provider.
type Identity struct {
	Subject     string
	DisplayName string
}

// IdentityConfig describes how identity tokens are checked. PublicKey
// enables EdDSA tokens and Secret enables HS256 tokens; at least one is
// required.
type IdentityConfig struct {
	Issuer    string
	Audience  string
	PublicKey ed25519.PublicKey
	Secret    []byte
	Now       func() time.Time
}

type identityClaims struct {
	jwt.RegisteredClaims
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

type Verifier struct {
	cfg     IdentityConfig
	methods []string
}

func NewVerifier(cfg IdentityConfig) (*Verifier, error) {
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("identity issuer is required")
	}
	var methods []string
	if len(cfg.PublicKey) > 0 {
		if len(cfg.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("identity public key must be %d bytes", ed25519.PublicKeySize)
		}
		methods = append(methods, jwt.SigningMethodEdDSA.Alg())
	}
	if len(cfg.Secret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if len(methods) == 0 {
		return nil, errors.New("identity verifier needs a public key or a secret")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg, methods: methods}, nil
}

// Verify checks signature, issuer, audience and expiry, and returns the
// identity the token asserts.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.cfg.Now),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	var claims identityClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodEd25519:
			return v.cfg.PublicKey, nil
		case *jwt.SigningMethodHMAC:
			return v.cfg.Secret, nil
		}
		return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
	}, opts...)
	if err != nil {
		return Identity{}, mapJWTError(err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}

	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	if name == "" {
		name = claims.Subject
	}
	return Identity{Subject: claims.Subject, DisplayName: name}, nil
}

// DecodeKey accepts standard or URL-safe base64, padded or not.
func DecodeKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("key is not valid base64")
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpiredToken
	}
	return fmt.Errorf("%w: %v", ErrInvalidToken, err)
}
