package builder

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/serpent-os/federation/pkg/api"
	"github.com/serpent-os/federation/pkg/authz"
)

// Handlers wires the Builder's operations onto an api.Registry.
type Handlers struct {
	Pipeline *Pipeline
}

// Register mounts avalanche/build. The static asset responder is mounted
// separately by cmd/builder.
func (h *Handlers) Register(reg *api.Registry) {
	reg.Register(api.Operation{
		Version: "v1", Method: http.MethodPost, Path: "avalanche/build",
		RequiredFlags: authz.AccessToken | authz.ServiceAccount | authz.NotExpired,
		Handler:       h.handleBuild,
	})
}

type packageBuildRequest struct {
	Request wirePackageBuild `json:"request"`
}

type wirePackageBuild struct {
	BuildID      string            `json:"buildID"`
	URI          string            `json:"uri"`
	CommitRef    string            `json:"commit_ref"`
	RelativePath string            `json:"relative_path"`
	Architecture string            `json:"build_architecture"`
	Collections  []wireCollections `json:"collections"`
}

type wireCollections struct {
	Name     string `json:"name"`
	IndexURI string `json:"indexURI"`
	Priority int    `json:"priority"`
}

// handleBuild admits exactly one concurrent build; a second concurrent
// request while one is running is rejected with 503 (spec §4.7).
func (h *Handlers) handleBuild(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
	var req packageBuildRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &api.StatusError{Status: http.StatusBadRequest, Message: "malformed build request"}
	}

	if !h.Pipeline.TryAdmit() {
		return nil, &api.StatusError{Status: http.StatusServiceUnavailable, Message: ErrBuildInProgress.Error()}
	}

	collections := make([]Remote, 0, len(req.Request.Collections))
	for _, c := range req.Request.Collections {
		collections = append(collections, Remote{Name: c.Name, IndexURI: c.IndexURI, Priority: c.Priority})
	}

	build := Request{
		BuildID:      req.Request.BuildID,
		URI:          req.Request.URI,
		CommitRef:    req.Request.CommitRef,
		RelativePath: req.Request.RelativePath,
		Architecture: req.Request.Architecture,
		Collections:  collections,
	}

	// The build runs to completion on its own goroutine, outside the
	// request's lifetime; the handler only reports admission (spec §4.7:
	// "clear the in-progress flag unconditionally" happens once the
	// pipeline, not the request, finishes).
	go func() {
		defer h.Pipeline.Release()
		h.Pipeline.Run(context.Background(), build)
	}()

	return struct{}{}, nil
}

// AssetsHandler serves the builder's published build assets at /assets,
// the static-file responder named in spec §4.7.
func AssetsHandler(assetsDir string) http.Handler {
	return http.StripPrefix("/assets/", http.FileServer(http.Dir(assetsDir)))
}
