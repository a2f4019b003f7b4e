// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package authn implements the daemon's optional shared-secret bearer
// auth layer: a single HS256-signed JWT issued out of band (passed to
// the amelia CLI via its --token flag) and checked against every REST
// and WebSocket request when auth is enabled. There is no per-caller
// identity or scope model; this is a single shared secret, not
// multi-tenant auth.
package authn

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the minimal claim set the daemon issues and checks. Sub
// carries a human-readable caller label for logging only; it confers
// no authorization beyond possession of a validly signed token.
type Claims struct {
	jwt.RegisteredClaims
}

// Issue signs a new token against secret, valid for ttl. Used by
// amelia's `token` helper subcommand and by tests.
func Issue(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("authn: secret must not be empty")
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Validate parses and verifies tokenString against secret, rejecting
// anything not signed with HS256 (the only algorithm this daemon ever
// issues).
func Validate(tokenString, secret string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("authn: invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("authn: token failed validation")
	}
	return claims, nil
}

// Middleware enforces the bearer token on every request except the
// liveness probe, which must stay reachable for an orchestrator to
// decide whether to kill an unresponsive process.
type Middleware struct {
	secret string
}

// NewMiddleware creates a Middleware checking tokens against secret.
func NewMiddleware(secret string) *Middleware {
	return &Middleware{secret: secret}
}

// Wrap enforces the bearer token on next. A nil or zero-value
// Middleware (secret == "") wraps to a no-op, matching
// DaemonAuthConfig.Enabled == false leaving the daemon open.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil || m.secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health/live" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			unauthorized(w, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if _, err := Validate(token, m.secret); err != nil {
			unauthorized(w, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
