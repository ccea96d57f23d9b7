package repomanager

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/serpent-os/federation/pkg/api"
	"github.com/serpent-os/federation/pkg/authz"
)

// Handlers wires the Repository Manager's operations onto an api.Registry.
type Handlers struct {
	Queue *Queue
}

func (h *Handlers) Register(reg *api.Registry) {
	reg.Register(api.Operation{
		Version: "v1", Method: http.MethodPost, Path: "vessel/build",
		RequiredFlags: authz.AccessToken | authz.ServiceAccount | authz.NotExpired,
		Handler:       h.handleImport,
	})
}

type wirePackage struct {
	URI    string `json:"uri"`
	SHA256 string `json:"sha256sum"`
}

type importRequest struct {
	TaskID       int64         `json:"taskID"`
	Collectables []wirePackage `json:"collectables"`
}

// handleImport enqueues the import for the worker loop and returns
// immediately; the actual download/parse/place/record/commit/reindex work
// happens asynchronously (spec §4.8).
func (h *Handlers) handleImport(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
	var req importRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &api.StatusError{Status: http.StatusBadRequest, Message: "malformed import request"}
	}

	packages := make([]Package, 0, len(req.Collectables))
	for _, c := range req.Collectables {
		packages = append(packages, Package{URL: c.URI, SHA256: c.SHA256})
	}

	endpointID := ""
	if res != nil && res.Claims != nil {
		endpointID = res.Claims.Subject
	}

	h.Queue.Enqueue(ImportRequest{TaskID: req.TaskID, Endpoint: endpointID, Packages: packages})
	return struct{}{}, nil
}
