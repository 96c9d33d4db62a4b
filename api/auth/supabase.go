// Package auth verifies Supabase session tokens sent by the web app.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/one2onelove/billing-sync/api/services/stripe/app"
)

// ErrNoToken is returned when the request carries no bearer token.
var ErrNoToken = errors.New("missing bearer token")

// supabaseAudience is the audience Supabase puts on signed-in user tokens.
const supabaseAudience = "authenticated"

// Claims are the Supabase access token claims the service reads.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 Supabase access tokens against the project JWT secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(supabaseAudience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

// Verify parses token and returns the caller identity. Errors wrap app.ErrUnauthenticated.
func (v *Verifier) Verify(token string) (app.Identity, error) {
	if len(v.secret) == 0 {
		return app.Identity{}, fmt.Errorf("%w: jwt secret not configured", app.ErrUnauthenticated)
	}
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return app.Identity{}, fmt.Errorf("%w: %v", app.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return app.Identity{}, fmt.Errorf("%w: token has no subject", app.ErrUnauthenticated)
	}
	return app.Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// Authenticate extracts the bearer token from r and verifies it.
func (v *Verifier) Authenticate(r *http.Request) (app.Identity, error) {
	token, err := BearerToken(r)
	if err != nil {
		return app.Identity{}, fmt.Errorf("%w: %v", app.ErrUnauthenticated, err)
	}
	return v.Verify(token)
}

// BearerToken returns the token of an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", jwt.ErrTokenMalformed
	}
	return strings.TrimSpace(parts[1]), nil
}
