package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"parley/internal/api"
	"parley/internal/config"

	"github.com/stretchr/testify/require"
)

func TestAddUser(t *testing.T) {
	var got api.AddUserRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/admin/users", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(api.AddUserResponse{
			Success:    true,
			UserID:     "u-1",
			Username:   got.Username,
			ConnectURL: "ws://localhost:8080/api/chat?token=abc",
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	cfg := &config.Config{AdminAddr: strings.TrimPrefix(srv.URL, "http://")}
	require.NoError(t, AddUser("alice", "Alice", cfg, &out))

	require.Equal(t, "alice", got.Username)
	require.Equal(t, "Alice", got.DisplayName)
	require.Contains(t, out.String(), "u-1")
	require.Contains(t, out.String(), "ws://localhost:8080/api/chat?token=abc")
}

func TestAddUser_ServerRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "username taken", http.StatusConflict)
	}))
	defer srv.Close()

	cfg := &config.Config{AdminAddr: strings.TrimPrefix(srv.URL, "http://")}
	err := AddUser("alice", "", cfg, &bytes.Buffer{})
	require.ErrorContains(t, err, "409")
}
