package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/serpent-os/federation/pkg/api"
	"github.com/serpent-os/federation/pkg/authz"
	"github.com/serpent-os/federation/pkg/crypto"
)

const echoSchema = `{
	"type": "object",
	"properties": {"name": {"type": "string"}},
	"required": ["name"]
}`

func TestRegistry_ValidBodyInvokesHandler(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	schema, err := api.CompileSchema("echo", echoSchema)
	require.NoError(t, err)

	reg := api.NewRegistry(authz.NewAuthorizer(kp.Public()))
	reg.Register(api.Operation{
		Version:       "v1",
		Method:        http.MethodPost,
		Path:          "echo",
		RequestSchema: schema,
		Handler: func(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
			var in struct{ Name string }
			_ = json.Unmarshal(body, &in)
			return map[string]string{"greeting": "hello " + in.Name}, nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/echo", jsonBody(t, map[string]string{"name": "zlib"}))
	rec := httptest.NewRecorder()
	reg.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "hello zlib", out["greeting"])
}

func TestRegistry_SchemaViolationYields400(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	schema, err := api.CompileSchema("echo-missing-name", echoSchema)
	require.NoError(t, err)

	reg := api.NewRegistry(authz.NewAuthorizer(kp.Public()))
	reg.Register(api.Operation{
		Version:       "v1",
		Method:        http.MethodPost,
		Path:          "echo",
		RequestSchema: schema,
		Handler: func(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
			t.Fatal("handler should not run on schema violation")
			return nil, nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/echo", jsonBody(t, map[string]string{}))
	rec := httptest.NewRecorder()
	reg.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var out api.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.Message)
}

func TestRegistry_MissingRequiredAuthYields401(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	reg := api.NewRegistry(authz.NewAuthorizer(kp.Public()))
	reg.Register(api.Operation{
		Version:       "v1",
		Method:        http.MethodGet,
		Path:          "secret",
		RequiredFlags: authz.AccessToken,
		Handler: func(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
			t.Fatal("handler should not run without a token")
			return nil, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/secret", nil)
	rec := httptest.NewRecorder()
	reg.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegistry_StatusErrorPropagatesItsCode(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	reg := api.NewRegistry(authz.NewAuthorizer(kp.Public()))
	reg.Register(api.Operation{
		Version: "v1",
		Method:  http.MethodPost,
		Path:    "conflict",
		Handler: func(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
			return nil, &api.StatusError{Status: http.StatusConflict, Message: "build already in progress"}
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conflict", nil)
	rec := httptest.NewRecorder()
	reg.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}
