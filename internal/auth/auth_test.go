package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
)

// cheapHash keeps tests fast; production hashes use BcryptCost.
func cheapHash(t *testing.T, token string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestHashToken(t *testing.T) {
	h, err := HashToken("s3cret")
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(h))
	require.NoError(t, err)
	assert.Equal(t, BcryptCost, cost)
	assert.True(t, CheckToken("s3cret", h))
	assert.False(t, CheckToken("other", h))
}

func TestAuthenticate(t *testing.T) {
	a, err := New(false, []string{"alice:" + cheapHash(t, "tok-a"), cheapHash(t, "tok-b")})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		user   string
	}{
		{"named token", "Bearer tok-a", "", "alice"},
		{"unnamed token", "Bearer tok-b", "", "token2"},
		{"scheme is case-insensitive", "bearer tok-a", "", "alice"},
		{"query token", "", "tok-a", "alice"},
		{"wrong token", "Bearer nope", "", ""},
		{"basic scheme", "Basic tok-a", "", ""},
		{"missing", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/v1/sessions"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			r := httptest.NewRequest("GET", target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			user, err := a.Authenticate(r)
			if tt.user == "" {
				assert.ErrorIs(t, err, ErrUnauthorized)
				assert.Equal(t, apperr.CodeUnauthorized, apperr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.user, user)
		})
	}
}

func TestAuthenticate_CachesVerifiedTokens(t *testing.T) {
	a, err := New(false, []string{"bob:" + cheapHash(t, "tok")})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		user, err := a.AuthenticateToken(context.Background(), "tok")
		require.NoError(t, err)
		assert.Equal(t, "bob", user)
	}
	assert.Len(t, a.verified, 1)
}

func TestDisabled(t *testing.T) {
	a, err := New(true, nil)
	require.NoError(t, err)
	user, err := a.Authenticate(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, LocalUser, user)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(false, nil)
	assert.Error(t, err)
	_, err = New(false, []string{"carol:plaintext"})
	assert.Error(t, err)
}
