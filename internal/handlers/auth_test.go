package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/memohai/tgflow/internal/config"
)

func TestLogin(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name     string
		admin    config.AdminConfig
		body     string
		wantCode int
	}{
		{"plain password", config.AdminConfig{Username: "admin", Password: "hunter2"}, `{"username":"admin","password":"hunter2"}`, http.StatusOK},
		{"bcrypt password", config.AdminConfig{Username: "admin", Password: string(hash)}, `{"username":"admin","password":"hunter2"}`, http.StatusOK},
		{"wrong password", config.AdminConfig{Username: "admin", Password: "hunter2"}, `{"username":"admin","password":"nope"}`, http.StatusUnauthorized},
		{"wrong bcrypt password", config.AdminConfig{Username: "admin", Password: string(hash)}, `{"username":"admin","password":"nope"}`, http.StatusUnauthorized},
		{"wrong user", config.AdminConfig{Username: "admin", Password: "hunter2"}, `{"username":"root","password":"hunter2"}`, http.StatusUnauthorized},
		{"no password configured", config.AdminConfig{Username: "admin"}, `{"username":"admin","password":"x"}`, http.StatusUnauthorized},
		{"missing fields", config.AdminConfig{Username: "admin", Password: "hunter2"}, `{"username":"admin"}`, http.StatusBadRequest},
		{"bad json", config.AdminConfig{Username: "admin", Password: "hunter2"}, `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newTestEcho(NewAuthHandler(discardLogger(), tt.admin, testSecret, time.Hour))
			rec := doRequest(e, http.MethodPost, "/auth/login", tt.body, "")
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp LoginResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.AccessToken)
			assert.Equal(t, "Bearer", resp.TokenType)
			assert.Equal(t, "admin", resp.Username)
		})
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	e := newTestEcho(NewAuthHandler(discardLogger(), config.AdminConfig{Username: "admin", Password: "x"}, testSecret, time.Hour))

	rec := doRequest(e, http.MethodPost, "/auth/refresh", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(e, http.MethodPost, "/auth/refresh", "", adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "admin", resp.Username)
}
