// Package auth guards administrative routes with HMAC-signed JWTs.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"presenceapi/internal/models"
)

// contextKey is used for storing values in context
type contextKey string

const subjectContextKey contextKey = "subject"

// JWTMiddleware handles JWT authentication
type JWTMiddleware struct {
	secretKey []byte
	parser    *jwt.Parser
}

// NewJWTMiddleware creates a new JWT middleware. An empty issuer accepts any.
func NewJWTMiddleware(secretKey, issuer string) *JWTMiddleware {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTMiddleware{
		secretKey: []byte(secretKey),
		parser:    jwt.NewParser(opts...),
	}
}

// Authenticate is a middleware that requires valid JWT authentication
func (m *JWTMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.validateToken(r)
		if err != nil {
			m.writeUnauthorizedResponse(w, err.Error())
			return
		}

		subject, err := claims.GetSubject()
		if err != nil || subject == "" {
			m.writeUnauthorizedResponse(w, "missing or invalid subject in token")
			return
		}

		ctx := SetSubjectInContext(r.Context(), subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateToken extracts and validates the JWT token from the request
func (m *JWTMiddleware) validateToken(r *http.Request) (jwt.MapClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errors.New("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, errors.New("invalid authorization header format")
	}
	tokenString := strings.TrimSpace(parts[1])
	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	claims := jwt.MapClaims{}
	token, err := m.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// writeUnauthorizedResponse writes an unauthorized error response
func (m *JWTMiddleware) writeUnauthorizedResponse(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
	w.WriteHeader(http.StatusUnauthorized)

	_ = json.NewEncoder(w).Encode(models.APIResponse{
		Success: false,
		Error:   &models.APIError{Code: http.StatusUnauthorized, Message: message},
	})
}

// SetSubjectInContext adds the token subject to the context
func SetSubjectInContext(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectContextKey, subject)
}

// SubjectFromContext retrieves the token subject from the context
func SubjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(subjectContextKey).(string); ok {
		return s
	}
	return ""
}
