// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lithammer/shortuuid/v4"

	"github.com/luxfi/qimessaging/codec"
	"github.com/luxfi/qimessaging/value"
)

// AuthVerifier checks the capabilities a client sent in its handshake. The
// returned capabilities are added to the server's answer.
type AuthVerifier interface {
	Verify(caps map[string]value.Value) (map[string]value.Value, error)
}

// AuthVerifierFunc adapts a function to AuthVerifier.
type AuthVerifierFunc func(caps map[string]value.Value) (map[string]value.Value, error)

func (f AuthVerifierFunc) Verify(caps map[string]value.Value) (map[string]value.Value, error) {
	return f(caps)
}

// AuthStateDone is the auth_state answered after a successful check.
const AuthStateDone = "done"

// Claims are carried by handshake tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// NewToken returns an HS256 token for subject. A zero ttl never expires.
func NewToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        shortuuid.New(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// JWTVerifier accepts clients presenting a token signed with Secret.
type JWTVerifier struct {
	Secret []byte
}

// Verify validates the auth_token capability.
func (v *JWTVerifier) Verify(caps map[string]value.Value) (map[string]value.Value, error) {
	tok, ok := caps[codec.CapAuthToken]
	if !ok {
		return nil, fmt.Errorf("%w: no token", ErrAuthentication)
	}
	s, err := tok.Unwrap().ToString()
	if err != nil {
		return nil, fmt.Errorf("%w: token is not a string", ErrAuthentication)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(s, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrAuthentication)
	}
	return map[string]value.Value{codec.CapAuthState: value.NewString(AuthStateDone)}, nil
}
