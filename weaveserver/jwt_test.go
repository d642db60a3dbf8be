// Copyright 2026 Jay Creagh
// SPDX-License-Identifier: Apache-2.0

package weaveserver

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	auth := NewTokenAuth("test-secret")

	token, err := auth.GenerateToken("user-42", time.Hour)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "weave-sync", claims.Issuer)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	token, err := NewTokenAuth("secret-a").GenerateToken("user-42", time.Hour)
	require.NoError(t, err)

	_, err = NewTokenAuth("secret-b").ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	auth := NewTokenAuth("test-secret")
	token, err := auth.GenerateToken("user-42", -time.Minute)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenEmptySubject(t *testing.T) {
	auth := NewTokenAuth("test-secret")
	token, err := auth.GenerateToken("", time.Hour)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no subject")
}

func TestUserIDFromRequest(t *testing.T) {
	auth := NewTokenAuth("test-secret")
	token, err := auth.GenerateToken("user-42", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/sync/people/changes", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	userID, err := auth.UserIDFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)
}

func TestUserIDFromRequestRejectsBadHeaders(t *testing.T) {
	auth := NewTokenAuth("test-secret")

	req := httptest.NewRequest("GET", "/sync/people/changes", nil)
	_, err := auth.UserIDFromRequest(req)
	require.Error(t, err, "missing header")

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = auth.UserIDFromRequest(req)
	require.Error(t, err, "non-bearer scheme")

	req.Header.Set("Authorization", "Bearer not-a-jwt")
	_, err = auth.UserIDFromRequest(req)
	require.Error(t, err, "garbage token")
}
