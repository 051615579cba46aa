package editor

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionConfig is the editor-facing session description: the document to
// open, where to deliver events, and the key that ties both together.
type SessionConfig struct {
	DocumentURL string `json:"documentUrl"`
	CallbackURL string `json:"callbackUrl"`
	SessionKey  string `json:"sessionKey"`
}

type sessionClaims struct {
	DocumentURL string `json:"documentUrl"`
	CallbackURL string `json:"callbackUrl"`
	SessionKey  string `json:"sessionKey"`
	jwt.RegisteredClaims
}

// ErrInvalidCallbackToken rejects callback deliveries that do not carry a
// token signed with the shared editor secret.
var ErrInvalidCallbackToken = errors.New("invalid editor callback token")

// TokenIssuer signs session configs handed to the external editor and
// verifies the tokens it echoes back on callbacks.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Sign produces the JWT embedded in the editor bootstrap config.
func (t *TokenIssuer) Sign(cfg SessionConfig) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		DocumentURL: cfg.DocumentURL,
		CallbackURL: cfg.CallbackURL,
		SessionKey:  cfg.SessionKey,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// VerifyCallback validates an echoed token and returns the session config it
// was issued for.
func (t *TokenIssuer) VerifyCallback(tokenString string) (SessionConfig, error) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return SessionConfig{}, ErrInvalidCallbackToken
	}
	if claims.SessionKey == "" {
		return SessionConfig{}, ErrInvalidCallbackToken
	}
	return SessionConfig{
		DocumentURL: claims.DocumentURL,
		CallbackURL: claims.CallbackURL,
		SessionKey:  claims.SessionKey,
	}, nil
}
