// Package token issues and parses the access/refresh token pair handed out
// when a session is created.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrConfiguration is returned by NewIssuer for a missing secret.
	ErrConfiguration = errors.New("token: invalid configuration")

	// ErrInvalidToken is returned when a token fails parsing or validation.
	ErrInvalidToken = errors.New("token: invalid token")
)

// Kind distinguishes access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims are the claims carried by both token kinds.
type Claims struct {
	Kind Kind `json:"typ"`
	jwt.RegisteredClaims
}

// Pair is a freshly issued access/refresh token pair.
type Pair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// Issuer signs tokens with HMAC-SHA256.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewIssuer creates an issuer. A nil now uses time.Now.
func NewIssuer(secret, issuer string, now func() time.Time) (*Issuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: signing secret is not set", ErrConfiguration)
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, now: now}, nil
}

// IssuePair signs a new access and refresh token for userID. Each token gets
// a random jti, so two pairs for the same user never collide.
func (i *Issuer) IssuePair(userID string, accessTTL, refreshTTL time.Duration) (*Pair, error) {
	now := i.now()

	access, accessExp, err := i.sign(userID, KindAccess, now, accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := i.sign(userID, KindRefresh, now, refreshTTL)
	if err != nil {
		return nil, err
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (i *Issuer) sign(userID string, kind Kind, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: failed to sign %s token: %w", kind, err)
	}
	return signed, exp, nil
}

// Parse validates a token of the given kind and returns its claims.
func (i *Issuer) Parse(raw string, kind Kind) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrInvalidToken, kind, claims.Kind)
	}
	return claims, nil
}
