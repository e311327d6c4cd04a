package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Reconnect token errors.
var (
	ErrReconnectTokenInvalid = errors.New("session: reconnect token invalid")
	ErrReconnectTokenExpired = errors.New("session: reconnect token expired")
	ErrReconnectTokenUsed    = errors.New("session: reconnect token already used")
)

// ReconnectIssuer mints and verifies signed single-use reconnect tokens.
// Single-use enforcement lives in storage (the jti is cleared on redemption);
// the issuer only handles signing, expiry, and claim extraction.
type ReconnectIssuer struct {
	secret []byte
	window time.Duration
}

// NewReconnectIssuer creates an issuer signing with the given secret. Tokens
// expire after the window.
func NewReconnectIssuer(secret []byte, window time.Duration) (*ReconnectIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("session: reconnect secret required")
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &ReconnectIssuer{secret: secret, window: window}, nil
}

// Mint returns a signed token bound to the session, the token's unique id
// (persisted for single-use checks), and its expiry.
func (i *ReconnectIssuer) Mint(sessionID string, now time.Time) (token, jti string, expires time.Time, err error) {
	jti = uuid.NewString()
	expires = now.Add(i.window)

	claims := jwt.RegisteredClaims{
		Subject:   sessionID,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign reconnect token: %w", err)
	}
	return token, jti, expires, nil
}

// Parse verifies a token's signature and expiry and returns the session id
// and token id it carries.
func (i *ReconnectIssuer) Parse(token string, now time.Time) (sessionID, jti string, err error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrReconnectTokenExpired
		}
		return "", "", ErrReconnectTokenInvalid
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" || claims.ID == "" {
		return "", "", ErrReconnectTokenInvalid
	}
	return claims.Subject, claims.ID, nil
}
