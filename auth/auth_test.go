package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/pullgate/auth"
	"github.com/ggoodman/pullgate/auth/authtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(authz string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/orders", nil)
	if authz != "" {
		r.Header.Set("Authorization", authz)
	}
	return r
}

func TestCheck(t *testing.T) {
	a := &authtest.Tokens{
		Subjects: map[string]string{"good": "alice", "weak": "bob"},
		Unscoped: map[string]bool{"weak": true},
		Scopes:   []string{"orders:read"},
	}

	tests := []struct {
		name   string
		header string
		status int
		want   string
	}{
		{"missing", "", http.StatusUnauthorized, `Bearer realm="orders"`},
		{"wrong scheme", "Basic Zm9vOmJhcg==", http.StatusBadRequest, `Bearer realm="orders", error="invalid_request", error_description="malformed bearer authorization header"`},
		{"empty token", "Bearer   ", http.StatusBadRequest, `Bearer realm="orders", error="invalid_request", error_description="malformed bearer authorization header"`},
		{"invalid", "Bearer nope", http.StatusUnauthorized, `Bearer realm="orders", error="invalid_token", error_description="token validation failed"`},
		{"scope", "Bearer weak", http.StatusForbidden, `Bearer realm="orders", error="insufficient_scope", error_description="insufficient scope", scope="orders:read"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ui, ch := auth.Check(context.Background(), a, request(tt.header), "orders", nil)
			assert.Nil(t, ui)
			require.NotNil(t, ch)
			assert.Equal(t, tt.status, ch.Status)
			assert.Equal(t, tt.want, ch.WWWAuthenticate)

			rec := httptest.NewRecorder()
			ch.Write(rec)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("WWW-Authenticate"))
		})
	}

	ui, ch := auth.Check(context.Background(), a, request("Bearer good"), "orders", nil)
	require.Nil(t, ch)
	assert.Equal(t, "alice", ui.UserID())
}

func TestCheckKeyless(t *testing.T) {
	ui, ch := auth.Check(context.Background(), nil, request(""), "orders", nil)
	assert.Nil(t, ui)
	assert.Nil(t, ch)
}

func TestBearerChallengeEscapes(t *testing.T) {
	assert.Equal(t, "Bearer", auth.BearerChallenge("", "", "", nil))
	assert.Equal(t, `Bearer realm="a\"b", error_description="x\\y"`, auth.BearerChallenge(`a"b`, "", `x\y`, nil))
}

func TestNewPlan(t *testing.T) {
	a, err := auth.New(context.Background(), auth.Plan{})
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = auth.New(context.Background(), auth.Plan{Type: "apikey"})
	assert.ErrorIs(t, err, auth.ErrInvalidPlan)

	_, err = auth.New(context.Background(), auth.Plan{Type: auth.PlanJWT})
	assert.ErrorIs(t, err, auth.ErrInvalidPlan)

	_, err = auth.New(context.Background(), auth.Plan{Type: auth.PlanJWT, JWT: &auth.JWTConfig{Issuer: "https://issuer.example", JWKSURI: "http://127.0.0.1:1/keys", Leeway: "soon"}})
	assert.ErrorIs(t, err, auth.ErrInvalidPlan)
}
