package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/serpent-os/federation/pkg/store"
)

// EndpointAuth is the "endpoint-backed with DB-persisted refresh" auth
// storage named in spec §4.9: tokens live in the TokenStore, refreshed
// against the peer's own services/refresh_token and
// services/refresh_issue_token operations, with endpoint status
// transitions on failure.
type EndpointAuth struct {
	EndpointID string
	PeerURL    string
	Tokens     *store.TokenStore
	Endpoints  *store.EndpointStore
	HTTP       *http.Client
}

func NewEndpointAuth(endpointID, peerURL string, tokens *store.TokenStore, endpoints *store.EndpointStore) *EndpointAuth {
	return &EndpointAuth{
		EndpointID: endpointID,
		PeerURL:    peerURL,
		Tokens:     tokens,
		Endpoints:  endpoints,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *EndpointAuth) Token(ctx context.Context, kind TokenKind) (string, error) {
	tokens, err := a.Tokens.Get(ctx, a.EndpointID)
	if err != nil {
		return "", fmt.Errorf("client: load tokens for %s: %w", a.EndpointID, err)
	}

	switch kind {
	case BearerTokenKind:
		if expiresWithin(tokens.BearerToken, RefreshWindow) {
			fresh, err := a.callRefresh(ctx, "/api/v1/services/refresh_issue_token", tokens.BearerToken)
			if err != nil {
				return "", err
			}
			if err := a.Tokens.SetBearerToken(ctx, a.EndpointID, fresh); err != nil {
				return "", err
			}
			return fresh, nil
		}
		return tokens.BearerToken, nil

	default: // AccessTokenKind
		if expiresWithin(tokens.AccessToken, RefreshWindow) {
			fresh, err := a.callRefresh(ctx, "/api/v1/services/refresh_token", tokens.BearerToken)
			if err != nil {
				return "", err
			}
			if err := a.Tokens.SetAccessToken(ctx, a.EndpointID, fresh); err != nil {
				return "", err
			}
			return fresh, nil
		}
		return tokens.AccessToken, nil
	}
}

// callRefresh issues the GET against path, authorizing with presentedAs,
// and decodes the plain JSON string response (spec §6: "-> string").
func (a *EndpointAuth) callRefresh(ctx context.Context, path, presentedAs string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.PeerURL+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+presentedAs)

	resp, err := a.HTTP.Do(req)
	if err != nil {
		a.OnRefreshFailure(ctx, err)
		return "", fmt.Errorf("client: refresh %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		err := fmt.Errorf("client: refresh %s: status %d", path, resp.StatusCode)
		a.OnSignatureFailure(ctx, err)
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("client: refresh %s: status %d", path, resp.StatusCode)
		a.OnRefreshFailure(ctx, err)
		return "", err
	}

	var token string
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("client: decode refreshed token: %w", err)
	}
	a.OnRefreshSuccess(ctx)
	return token, nil
}

func (a *EndpointAuth) OnRefreshFailure(ctx context.Context, err error) {
	_ = a.Endpoints.SetStatus(ctx, a.EndpointID, store.StatusUnreachable, err.Error())
}

func (a *EndpointAuth) OnSignatureFailure(ctx context.Context, err error) {
	_ = a.Endpoints.SetStatus(ctx, a.EndpointID, store.StatusForbidden, err.Error())
	_ = a.Tokens.Clear(ctx, a.EndpointID)
}

func (a *EndpointAuth) OnRefreshSuccess(ctx context.Context) {
	_ = a.Endpoints.SetStatus(ctx, a.EndpointID, store.StatusOperational, "")
}
