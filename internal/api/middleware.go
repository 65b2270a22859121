/**
 * @description
 * This file contains custom middleware for the HTTP router. Party-facing
 * endpoints validate a Bearer JWT signed with the service's shared secret;
 * operator endpoints use the internal API key exchanged between services.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: JWT parsing and validation.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// PartyIDContextKey is a custom type for the context key to avoid collisions.
type PartyIDContextKey string

const partyIDKey PartyIDContextKey = "partyID"

// JWTAuthMiddleware creates a middleware that validates HMAC-signed bearer
// tokens and places the authenticated party id in the request context.
func JWTAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}
			sub, ok := claims["sub"].(string)
			if !ok {
				http.Error(w, "Party ID not found in token", http.StatusUnauthorized)
				return
			}
			partyID, err := uuid.Parse(sub)
			if err != nil {
				http.Error(w, "Party ID is not a valid UUID", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), partyIDKey, partyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalKeyMiddleware guards operator endpoints with the shared internal
// API key.
func InternalKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(r.Header.Get("X-Internal-API-Key"))
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPartyID retrieves the authenticated party id from the request context.
func GetPartyID(ctx context.Context) (uuid.UUID, bool) {
	partyID, ok := ctx.Value(partyIDKey).(uuid.UUID)
	return partyID, ok
}
