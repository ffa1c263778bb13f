package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapilot/internal/domain"
)

const testSecret = "test-secret-32-bytes-long-xxxxx"

func makeToken(secret string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(secret))
	return signed
}

func TestNewHS256Validator_RequiresSecret(t *testing.T) {
	t.Parallel()
	_, err := NewHS256Validator("")
	require.Error(t, err)
}

func TestHS256Validator_Validate(t *testing.T) {
	t.Parallel()

	rsaToken := func() string {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"sub": "rsa-user",
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString(key)
		require.NoError(t, err)
		return signed
	}()

	tests := []struct {
		name    string
		token   string
		wantErr bool
		wantSub string
		wantAud []string
	}{
		{
			name: "valid token",
			token: makeToken(testSecret, jwt.MapClaims{
				"sub": "user-1", "iss": "https://auth.example.com", "aud": "datapilot",
				"exp": time.Now().Add(time.Hour).Unix(),
			}),
			wantSub: "user-1",
			wantAud: []string{"datapilot"},
		},
		{
			name:    "subject only",
			token:   makeToken(testSecret, jwt.MapClaims{"sub": "user-2"}),
			wantSub: "user-2",
		},
		{
			name:    "expired",
			token:   makeToken(testSecret, jwt.MapClaims{"sub": "user-3", "exp": time.Now().Add(-time.Hour).Unix()}),
			wantErr: true,
		},
		{
			name:    "wrong secret",
			token:   makeToken("another-secret", jwt.MapClaims{"sub": "user-4"}),
			wantErr: true,
		},
		{name: "RS256 rejected", token: rsaToken, wantErr: true},
		{name: "malformed", token: "not.a.jwt", wantErr: true},
	}

	v, err := NewHS256Validator(testSecret)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			claims, err := v.Validate(context.Background(), tt.token)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "token verification failed")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, claims.Subject)
			assert.Equal(t, tt.wantAud, claims.Audience)
			assert.NotNil(t, claims.Raw)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	v, err := NewHS256Validator(testSecret)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	names := ClaimNames{Tenant: "org_id", Email: "email"}

	tests := []struct {
		name       string
		header     string
		wantStatus int
		want       domain.Identity
	}{
		{
			name:       "tenant claim",
			header:     "Bearer " + makeToken(testSecret, jwt.MapClaims{"sub": "user-1", "org_id": "acme", "email": "a@acme.io"}),
			wantStatus: http.StatusOK,
			want:       domain.Identity{TenantID: "acme", UserID: "user-1", Email: "a@acme.io"},
		},
		{
			name:       "tenant falls back to subject",
			header:     "Bearer " + makeToken(testSecret, jwt.MapClaims{"sub": "user-2"}),
			wantStatus: http.StatusOK,
			want:       domain.Identity{TenantID: "user-2", UserID: "user-2"},
		},
		{
			name:       "lowercase scheme",
			header:     "bearer " + makeToken(testSecret, jwt.MapClaims{"sub": "user-3", "org_id": "acme"}),
			wantStatus: http.StatusOK,
			want:       domain.Identity{TenantID: "acme", UserID: "user-3"},
		},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", wantStatus: http.StatusUnauthorized},
		{
			name:       "invalid signature",
			header:     "Bearer " + makeToken("wrong", jwt.MapClaims{"sub": "user-1"}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no subject",
			header:     "Bearer " + makeToken(testSecret, jwt.MapClaims{"org_id": "acme"}),
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got domain.Identity
			h := Authenticate(v, names, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = domain.IdentityFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/queries", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				var body map[string]interface{}
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				assert.Equal(t, "AccessDenied", body["kind"])
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewOIDCValidatorFromJWKS(t *testing.T) {
	t.Parallel()
	v := NewOIDCValidatorFromJWKS(context.Background(), "https://auth.example.com/.well-known/jwks.json",
		"https://auth.example.com", "datapilot")
	require.NotNil(t, v.verifier)

	_, err := v.Validate(context.Background(), "not.a.jwt")
	require.Error(t, err)
}
