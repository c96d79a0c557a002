// Package auth verifies the bearer credential shared by the directory and the
// live update gateway. A credential is an HS256 JWT whose subject is the user
// id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/internal/models"
)

type contextKey string

// UserIDKey holds the authenticated user id in a request context.
const UserIDKey contextKey = "user_id"

// TokenService issues and verifies credentials
type TokenService struct {
	secret []byte
	clock  clockwork.Clock
}

func NewTokenService(secret string, clock clockwork.Clock) *TokenService {
	if secret == "" {
		log.Warn().Msg("JWT secret not set, credentials are signed with an empty key")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenService{secret: []byte(secret), clock: clock}
}

// Issue signs a credential for userID valid for ttl.
func (s *TokenService) Issue(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := s.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks the signature and expiry of token and returns its user id.
func (s *TokenService) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrNotAuthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", models.ErrNotAuthenticated)
	}
	return claims.Subject, nil
}

// SubjectUnverified reads the user id from token without checking it. Clients
// use it to know who they are; only servers can trust it.
func SubjectUnverified(token string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("parse credential: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("credential has no subject")
	}
	return claims.Subject, nil
}

// BearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter used by browser websocket clients.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// UserID returns the authenticated user id stored in ctx.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDKey).(string)
	return id, ok && id != ""
}

// WithUserID stores userID in ctx
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// Middleware authenticates requests that carry a credential. Requests without
// one pass through anonymously; handlers that need a user check UserID. An
// invalid credential is rejected by onError.
func (s *TokenService) Middleware(onError func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			userID, err := s.Verify(token)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejecting invalid credential")
				onError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
