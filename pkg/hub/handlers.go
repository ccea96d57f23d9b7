package hub

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/serpent-os/federation/pkg/api"
	"github.com/serpent-os/federation/pkg/authz"
	"github.com/serpent-os/federation/pkg/crypto"
	"github.com/serpent-os/federation/pkg/enrollment"
	"github.com/serpent-os/federation/pkg/store"
)

// Handlers wires the Hub's operations onto an api.Registry (spec §6 API
// surface, Hub's half).
type Handlers struct {
	Enrol  *enrollment.HubSide
	Keys   *crypto.KeyPair
	Tokens *store.TokenStore
	Svc    *Service
}

func subjectOf(res *authz.Result) string {
	if res == nil || res.Claims == nil {
		return ""
	}
	return res.Claims.Subject
}

// Register mounts every Hub operation on reg.
func (h *Handlers) Register(reg *api.Registry) {
	reg.Register(api.Operation{
		Version: "v1", Method: http.MethodPost, Path: "services/accept",
		RequiredFlags: authz.BearerToken | authz.ServiceAccount | authz.NotExpired,
		Handler:       h.handleAccept,
	})
	reg.Register(api.Operation{
		Version: "v1", Method: http.MethodPost, Path: "services/decline",
		RequiredFlags: authz.BearerToken | authz.ServiceAccount | authz.NotExpired,
		Handler:       h.handleDecline,
	})
	reg.Register(api.Operation{
		Version: "v1", Method: http.MethodGet, Path: "services/refresh_token",
		RequiredFlags: authz.BearerToken | authz.ServiceAccount | authz.NotExpired,
		Handler:       h.handleRefreshToken,
	})
	reg.Register(api.Operation{
		Version: "v1", Method: http.MethodGet, Path: "services/refresh_issue_token",
		RequiredFlags: authz.BearerToken | authz.ServiceAccount,
		Handler:       h.handleRefreshIssueToken,
	})
	reg.Register(api.Operation{
		Version: "v1", Method: http.MethodPost, Path: "summit/buildSucceeded",
		RequiredFlags: authz.AccessToken | authz.ServiceAccount | authz.NotExpired,
		Handler:       h.handleBuildSucceeded,
	})
	reg.Register(api.Operation{
		Version: "v1", Method: http.MethodPost, Path: "summit/buildFailed",
		RequiredFlags: authz.AccessToken | authz.ServiceAccount | authz.NotExpired,
		Handler:       h.handleBuildFailed,
	})
	reg.Register(api.Operation{
		Version: "v1", Method: http.MethodPost, Path: "summit/importSucceeded",
		RequiredFlags: authz.AccessToken | authz.ServiceAccount | authz.NotExpired,
		Handler:       h.handleImportSucceeded,
	})
	reg.Register(api.Operation{
		Version: "v1", Method: http.MethodPost, Path: "summit/importFailed",
		RequiredFlags: authz.AccessToken | authz.ServiceAccount | authz.NotExpired,
		Handler:       h.handleImportFailed,
	})
}

func (h *Handlers) handleAccept(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
	var msg enrollment.AcceptMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &api.StatusError{Status: http.StatusBadRequest, Message: "malformed accept message"}
	}
	if err := h.Enrol.HandleAccept(ctx, subjectOf(res), msg); err != nil {
		return nil, &api.StatusError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	return struct{}{}, nil
}

func (h *Handlers) handleDecline(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
	if err := h.Enrol.HandleDecline(subjectOf(res)); err != nil {
		return nil, &api.StatusError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	return struct{}{}, nil
}

// handleRefreshToken issues a new short-lived access token for the
// calling endpoint (spec §6 services/refresh_token).
func (h *Handlers) handleRefreshToken(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
	endpointID := subjectOf(res)
	token, err := crypto.Issue(h.Keys, crypto.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: endpointID},
		Purpose:          crypto.PurposeAPI,
		AccountType:      crypto.AccountService,
	})
	if err != nil {
		return nil, err
	}
	if err := h.Tokens.SetAccessToken(ctx, endpointID, token); err != nil {
		return nil, err
	}
	return token, nil
}

// handleRefreshIssueToken issues a new long-lived bearer token for the
// calling endpoint (spec §6 services/refresh_issue_token).
func (h *Handlers) handleRefreshIssueToken(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
	endpointID := subjectOf(res)
	token, err := crypto.Issue(h.Keys, crypto.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: endpointID},
		Purpose:          crypto.PurposeAuthorization,
		AccountType:      crypto.AccountService,
	})
	if err != nil {
		return nil, err
	}
	if err := h.Tokens.SetBearerToken(ctx, endpointID, token); err != nil {
		return nil, err
	}
	return token, nil
}

// buildCompletionRequest's taskID carries the string build-id the Builder
// was originally handed (PackageBuild.BuildID on the wire) — the Builder
// never learns the Hub's internal row id, so the Hub resolves it here
// before touching any task state.
type buildCompletionRequest struct {
	TaskID       string `json:"taskID"`
	Collectables []struct {
		Kind   string `json:"type"`
		URI    string `json:"uri"`
		SHA256 string `json:"sha256sum"`
	} `json:"collectables"`
}

// importCompletionRequest's taskID is the Hub's own internal row id: the
// Hub is the one that dispatched vessel/build in the first place and
// handed the Repository Manager that id directly, so there is nothing to
// resolve here.
type importCompletionRequest struct {
	TaskID int64 `json:"taskID"`
}

func (h *Handlers) resolveTaskID(ctx context.Context, buildID string) (int64, error) {
	t, err := h.Svc.Tasks.GetByBuildID(ctx, buildID)
	if err != nil {
		return 0, err
	}
	return t.ID, nil
}

func (h *Handlers) handleBuildFailed(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
	var req buildCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &api.StatusError{Status: http.StatusBadRequest, Message: "malformed request"}
	}
	h.Svc.Enqueue(func(ctx context.Context) error {
		taskID, err := h.resolveTaskID(ctx, req.TaskID)
		if err != nil {
			return err
		}
		deps, err := h.dependents(ctx, taskID)
		if err != nil {
			return err
		}
		return h.Svc.Completion.BuildFailed(ctx, taskID, deps)
	})
	return struct{}{}, nil
}

func (h *Handlers) handleBuildSucceeded(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
	var req buildCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &api.StatusError{Status: http.StatusBadRequest, Message: "malformed request"}
	}
	collectables := make([]Collectable, 0, len(req.Collectables))
	for _, c := range req.Collectables {
		collectables = append(collectables, Collectable{Kind: c.Kind, URI: c.URI, SHA256: c.SHA256})
	}
	h.Svc.Enqueue(func(ctx context.Context) error {
		taskID, err := h.resolveTaskID(ctx, req.TaskID)
		if err != nil {
			return err
		}
		deps, err := h.dependents(ctx, taskID)
		if err != nil {
			return err
		}
		return h.Svc.Completion.BuildSucceeded(ctx, taskID, collectables, deps)
	})
	return struct{}{}, nil
}

func (h *Handlers) handleImportSucceeded(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
	var req importCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &api.StatusError{Status: http.StatusBadRequest, Message: "malformed request"}
	}
	h.Svc.Enqueue(func(ctx context.Context) error {
		deps, err := h.dependents(ctx, req.TaskID)
		if err != nil {
			return err
		}
		return h.Svc.Completion.ImportSucceeded(ctx, req.TaskID, deps)
	})
	return struct{}{}, nil
}

func (h *Handlers) handleImportFailed(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
	var req importCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &api.StatusError{Status: http.StatusBadRequest, Message: "malformed request"}
	}
	h.Svc.Enqueue(func(ctx context.Context) error {
		deps, err := h.dependents(ctx, req.TaskID)
		if err != nil {
			return err
		}
		return h.Svc.Completion.ImportFailed(ctx, req.TaskID, deps)
	})
	return struct{}{}, nil
}

// dependents recomputes the DAG over all open tasks to find taskID's
// dependents at the moment of completion, matching the graph Dispatch
// last saw.
func (h *Handlers) dependents(ctx context.Context, taskID int64) ([]int64, error) {
	tasks, err := h.Svc.Tasks.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	metas := make([]TaskMeta, 0, len(tasks))
	for _, t := range tasks {
		profile, err := h.Svc.Profiles.Get(ctx, t.ProfileID)
		if err != nil {
			return nil, err
		}
		repoMeta, err := h.Svc.Repositories.MetaDB(t.RepositoryID).All()
		if err != nil {
			return nil, err
		}
		metas = append(metas, TaskMeta{Task: t, Meta: repoMeta[t.PackageID], Profile: profile})
	}
	dag, err := Recompute(metas, h.Svc.Visibility)
	if err != nil {
		return nil, err
	}
	return dag.Dependents(taskID), nil
}
