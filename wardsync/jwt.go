// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package wardsync

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth handles optional HS256 bearer-token authentication of sync
// requests. The protocol itself does not mandate auth; when a secret is
// configured the backend requires a valid token on every sync call.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// JWTClaims carries the device identity alongside the registered claims.
type JWTClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken issues a token for the given device.
func (j *JWTAuth) GenerateToken(deviceID string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "wardsync",
			Subject:   deviceID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a token string and returns its claims.
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	return claims, nil
}

// Authenticate extracts and validates the bearer token from a request.
func (j *JWTAuth) Authenticate(r *http.Request) (*JWTClaims, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}
	tokenString, found := strings.CutPrefix(authz, "Bearer ")
	if !found {
		return nil, fmt.Errorf("authorization header must use Bearer scheme")
	}
	return j.ValidateToken(tokenString)
}
