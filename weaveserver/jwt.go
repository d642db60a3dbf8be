// Copyright 2026 Jay Creagh
// SPDX-License-Identifier: Apache-2.0

package weaveserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenAuth mints and validates the HS256 bearer tokens the sync API
// expects. The user identity travels in the standard `sub` claim.
type TokenAuth struct {
	secret []byte
}

// NewTokenAuth creates a token authenticator for the given shared secret.
func NewTokenAuth(secret string) *TokenAuth {
	return &TokenAuth{secret: []byte(secret)}
}

// Claims are the JWT claims carried by sync tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateToken mints a token for userID valid for the given duration.
func (a *TokenAuth) GenerateToken(userID string, expiration time.Duration) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "weave-sync",
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses and validates a token string.
func (a *TokenAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// UserIDFromRequest resolves the authenticated user from the request's
// Authorization header.
func (a *TokenAuth) UserIDFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("authorization header is not a bearer token")
	}
	claims, err := a.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
