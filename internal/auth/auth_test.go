package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthenticator() *Authenticator {
	return newAuthenticatorWithSecret("test-secret")
}

func newAuthenticatorWithSecret(secret string) *Authenticator {
	logger, _ := test.NewNullLogger()
	return NewAuthenticator(secret, logger)
}

func TestSignAndVerify(t *testing.T) {
	a := newAuthenticator()

	token, err := a.Sign(Principal{AccountID: 42, Role: models.RoleTourist}, time.Hour)
	require.NoError(t, err)

	p, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Principal{AccountID: 42, Role: models.RoleTourist}, p)
}

func TestVerify_Rejects(t *testing.T) {
	a := newAuthenticator()
	expired, err := a.Sign(Principal{AccountID: 42, Role: models.RoleTourist}, -time.Minute)
	require.NoError(t, err)

	other, err := newAuthenticatorWithSecret("another-secret").Sign(Principal{AccountID: 42, Role: models.RoleAdmin}, time.Hour)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             models.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1", Issuer: "rahhal"},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: models.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "admin", Issuer: "rahhal", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	for name, raw := range map[string]string{
		"expired":      expired,
		"wrong secret": other,
		"no expiry":    noExpiry,
		"bad subject":  badSubject,
		"garbage":      "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Verify(raw)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestRequire(t *testing.T) {
	a := newAuthenticator()
	admin, _ := a.Sign(Principal{AccountID: 1, Role: models.RoleAdmin}, time.Hour)
	tourist, _ := a.Sign(Principal{AccountID: 42, Role: models.RoleTourist}, time.Hour)

	var seen Principal
	protected := a.Require(models.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"invalid token", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + tourist, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/admin/accounts/5/suspend", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			protected.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	assert.Equal(t, Principal{AccountID: 1, Role: models.RoleAdmin}, seen)
}
