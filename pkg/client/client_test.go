package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/serpent-os/federation/pkg/client"
)

func TestClient_CallAttachesBearerAndDecodesResponse(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
	}))
	defer srv.Close()

	c := client.New(srv.URL, client.StaticAuth{Access: "the-access-token"})

	var out map[string]string
	err := c.Call(context.Background(), http.MethodPost, "/api/v1/avalanche/build", client.AccessTokenKind, map[string]string{"x": "1"}, &out)
	require.NoError(t, err)
	require.Equal(t, "Bearer the-access-token", gotAuth)
	require.Equal(t, "yes", out["ok"])
}

func TestClient_CallPropagatesNon2xxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "another build is already in progress"})
	}))
	defer srv.Close()

	c := client.New(srv.URL, client.NoAuth{})
	err := c.Call(context.Background(), http.MethodPost, "/api/v1/avalanche/build", client.AccessTokenKind, nil, nil)
	require.Error(t, err)
}
