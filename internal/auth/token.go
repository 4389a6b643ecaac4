package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ExtractTokenFromRequest pulls the bearer token out of the
// Authorization header.
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("authorization header is missing")
	}

	// Bearer token format: "Bearer {token}"
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("authorization header format must be 'Bearer {token}'")
	}

	return parts[1], nil
}

// Identity is the subset of token claims this service acts on.
type Identity struct {
	UserID string
	Roles  []string
}

// ParseIdentity reads sub and realm roles from a JWT without verifying
// the signature. Only the dev-mode middleware uses it; production
// traffic goes through the OIDC verifier.
func ParseIdentity(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, errors.New("empty token")
	}

	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, errors.New("subject claim not found in token")
	}

	identity := &Identity{UserID: sub}
	if realm, ok := claims["realm_access"].(map[string]interface{}); ok {
		if raw, ok := realm["roles"].([]interface{}); ok {
			for _, r := range raw {
				if role, ok := r.(string); ok {
					identity.Roles = append(identity.Roles, role)
				}
			}
		}
	}
	return identity, nil
}

// DevMiddleware trusts unverified bearer tokens. It exists for local
// runs without a reachable OIDC provider and must never front real
// traffic.
func DevMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := ExtractTokenFromRequest(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			identity, err := ParseIdentity(raw)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid token: %v", err), http.StatusUnauthorized)
				return
			}
			ctx := WithIdentity(r.Context(), identity.UserID, identity.Roles...)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
