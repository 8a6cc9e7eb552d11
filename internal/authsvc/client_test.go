package authsvc

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auth/validate", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"user_id":"u-1","role":"analyst","service_grants":["mcp","chat"]}`)
	}))
	defer srv.Close()

	identity, err := NewClient(srv.URL, time.Second).Validate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", identity.UserID)
	assert.Equal(t, "analyst", identity.RoleName)
	assert.Equal(t, []string{"mcp", "chat"}, identity.ServiceGrants)
}

func TestValidateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Validate(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateServiceFailureIsNotInvalidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Validate(context.Background(), "tok")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)

	_, err = NewClient("http://127.0.0.1:1", 200*time.Millisecond).Validate(context.Background(), "tok")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestValidateMissingUserID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"role":"analyst"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Validate(context.Background(), "tok")
	assert.Error(t, err)
}
