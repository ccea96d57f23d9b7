package hub

import (
	"context"
	"net/http"

	"github.com/serpent-os/federation/pkg/client"
	"github.com/serpent-os/federation/pkg/store"
)

// ClientSender implements both BuildSender and ImportSender over the
// shared outbound client package, authorizing each call against the
// target endpoint's stored access token (spec §4.9).
type ClientSender struct {
	Tokens    *store.TokenStore
	Endpoints *store.EndpointStore
}

func (c *ClientSender) callerFor(e store.Endpoint) *client.Client {
	auth := client.NewEndpointAuth(e.ID, e.HostURL, c.Tokens, c.Endpoints)
	return client.New(e.HostURL, auth)
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

func (c *ClientSender) SendBuild(ctx context.Context, builder store.Endpoint, req PackageBuild) error {
	collections := make([]wireCollections, 0, len(req.Collections))
	for _, r := range req.Collections {
		collections = append(collections, wireCollections{Name: r.Name, IndexURI: r.IndexURI, Priority: r.Priority})
	}

	body := packageBuildRequest{Request: wirePackageBuild{
		BuildID:      req.BuildID,
		URI:          req.URI,
		CommitRef:    req.CommitRef,
		RelativePath: req.RelativePath,
		Architecture: req.Architecture,
		Collections:  collections,
	}}

	return c.callerFor(builder).Call(ctx, http.MethodPost, "/api/v1/avalanche/build", client.AccessTokenKind, body, nil)
}

type importRequest struct {
	TaskID       int64             `json:"taskID"`
	Collectables []wireCollectable `json:"collectables"`
}

type wireCollectable struct {
	Kind   string `json:"type"`
	URI    string `json:"uri"`
	SHA256 string `json:"sha256sum"`
}

func (c *ClientSender) SendImport(ctx context.Context, repoManager store.Endpoint, taskID int64, collectables []Collectable) error {
	wire := make([]wireCollectable, 0, len(collectables))
	for _, col := range collectables {
		wire = append(wire, wireCollectable{Kind: col.Kind, URI: col.URI, SHA256: col.SHA256})
	}
	body := importRequest{TaskID: taskID, Collectables: wire}
	return c.callerFor(repoManager).Call(ctx, http.MethodPost, "/api/v1/vessel/build", client.AccessTokenKind, body, nil)
}
