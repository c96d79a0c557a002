package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/livepoll/go/internal/models"
)

func TestIssueVerify(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewTokenService("secret", clock)

	token, err := svc.Issue("user-1", time.Hour)
	require.NoError(t, err)

	userID, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	subject, err := SubjectUnverified(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", subject)

	clock.Advance(2 * time.Hour)
	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	token, err := NewTokenService("other", nil).Issue("user-1", time.Hour)
	require.NoError(t, err)

	_, err = NewTokenService("secret", nil).Verify(token)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/polls?token=q", nil)
	assert.Equal(t, "q", BearerToken(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", BearerToken(r))

	r.Header.Set("Authorization", "Basic x")
	assert.Empty(t, BearerToken(r))
}

func TestMiddleware(t *testing.T) {
	svc := NewTokenService("secret", nil)
	token, err := svc.Issue("user-1", time.Hour)
	require.NoError(t, err)

	var seen string
	handler := svc.Middleware(func(w http.ResponseWriter, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/polls", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", seen)

	seen = ""
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/polls", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, seen)

	r = httptest.NewRequest(http.MethodGet, "/polls", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
