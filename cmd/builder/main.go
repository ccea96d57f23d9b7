// Command builder runs the Package Build Federation's recipe pipeline:
// mirror, checkout, invoke the recipe-build tool, classify assets, and
// report back to the Hub (spec §4.7).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/serpent-os/federation/pkg/api"
	"github.com/serpent-os/federation/pkg/authz"
	"github.com/serpent-os/federation/pkg/builder"
	"github.com/serpent-os/federation/pkg/client"
	"github.com/serpent-os/federation/pkg/config"
	"github.com/serpent-os/federation/pkg/crypto"
	"github.com/serpent-os/federation/pkg/enrollment"
	"github.com/serpent-os/federation/pkg/store"
	"github.com/serpent-os/federation/pkg/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("builder", flag.ContinueOnError)
	dir := fs.String("dir", ".", "service state directory")
	configPath := fs.String("config", "config.toml", "path to config.toml, relative to -dir")
	recipeTool := fs.String("recipe-tool", "boulder", "path to the external recipe-build tool")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(filepath.Join(*dir, *configPath))
	if err != nil {
		slog.Error("builder: load config", "error", err)
		return 1
	}
	log := newLogger(cfg.Tracing)

	shutdownTracing := telemetry.Init("federation-builder")
	defer shutdownTracing(context.Background())

	if cfg.Upstream == "" || cfg.UpstreamKey == "" {
		log.Error("builder: upstream (Hub URL and public key) is required")
		return 1
	}
	upstream, err := crypto.ParsePublicKey(cfg.UpstreamKey)
	if err != nil {
		log.Error("builder: parse upstream public key", "error", err)
		return 1
	}

	keys, err := crypto.LoadOrGenerateKeyFile(filepath.Join(*dir, ".privkey"))
	if err != nil {
		log.Error("builder: load key file", "error", err)
		return 1
	}

	dsn := cfg.DatabaseURL
	dialect := store.DialectPostgres
	if dsn == "" {
		dsn = filepath.Join(*dir, "service.db")
		dialect = store.DialectSQLite
	}
	db, err := store.Open(dialect, dsn)
	if err != nil {
		log.Error("builder: open store", "error", err)
		return 1
	}
	defer db.Close()

	accounts := store.NewAccountStore(db)
	endpoints := store.NewEndpointStore(db)
	tokens := store.NewTokenStore(db)
	pending := store.NewPendingEnrollments()

	peer := &enrollment.PeerSide{
		Self: enrollment.Issuer{
			PublicKey:   keys.Public().Base64(),
			URL:         cfg.HostAddress,
			Role:        store.RoleBuilder,
			AdminEmail:  cfg.Admin.Email,
			AdminName:   cfg.Admin.Username,
			Description: cfg.Description,
		},
		Role:      store.RoleBuilder,
		Keys:      keys,
		Upstream:  upstream,
		Accounts:  accounts,
		Endpoints: endpoints,
		Tokens:    tokens,
		Pending:   pending,
	}

	reporter := &hubReporter{tokens: tokens, endpoints: endpoints, role: store.RoleHub}

	pipeline := &builder.Pipeline{
		CacheDir:    filepath.Join(*dir, "cache"),
		ScratchDir:  filepath.Join(*dir, "state", "work"),
		AssetsDir:   filepath.Join(*dir, "assets"),
		HostAddress: cfg.HostAddress,
		Tool:        builder.ExecTool{Path: *recipeTool},
		Reporter:    reporter,
		Log:         log,
	}

	auth := authz.NewAuthorizer(keys.Public())
	reg := api.NewRegistry(auth)

	buildHandlers := &builder.Handlers{Pipeline: pipeline}
	buildHandlers.Register(reg)

	enrolHandlers := &enrollment.PeerHandlers{Peer: peer, HubURL: cfg.Upstream, Log: log}
	enrolHandlers.Register(reg)

	mux := http.NewServeMux()
	mux.Handle("/api/", reg)
	mux.Handle("/assets/", builder.AssetsHandler(pipeline.AssetsDir))

	srv := &http.Server{Addr: addrFrom(cfg.HostAddress), Handler: mux}
	go func() {
		log.Info("builder: listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("builder: http server", "error", err)
		}
	}()

	waitForShutdown(log)
	_ = srv.Shutdown(context.Background())
	return 0
}

// hubReporter implements builder.Reporter over the shared outbound client,
// addressing the unique operational Hub endpoint recorded by enrollment.
type hubReporter struct {
	tokens    *store.TokenStore
	endpoints *store.EndpointStore
	role      store.Role
}

func (r *hubReporter) hubClient(ctx context.Context) (*client.Client, error) {
	hub, err := r.endpoints.OperationalByRole(ctx, r.role)
	if err != nil {
		return nil, err
	}
	auth := client.NewEndpointAuth(hub.ID, hub.HostURL, r.tokens, r.endpoints)
	return client.New(hub.HostURL, auth), nil
}

type buildCompletionRequest struct {
	TaskID       string                 `json:"taskID"`
	Collectables []buildCollectableWire `json:"collectables"`
}

type buildCollectableWire struct {
	Kind   string `json:"type"`
	URI    string `json:"uri"`
	SHA256 string `json:"sha256sum"`
}

func (r *hubReporter) BuildSucceeded(ctx context.Context, buildID string, collectables []builder.Collectable) error {
	c, err := r.hubClient(ctx)
	if err != nil {
		return err
	}
	wire := make([]buildCollectableWire, 0, len(collectables))
	for _, col := range collectables {
		wire = append(wire, buildCollectableWire{Kind: col.Kind, URI: col.URI, SHA256: col.SHA256})
	}
	body := buildCompletionRequest{TaskID: buildID, Collectables: wire}
	return c.Call(ctx, http.MethodPost, "/api/v1/summit/buildSucceeded", client.AccessTokenKind, body, nil)
}

func (r *hubReporter) BuildFailed(ctx context.Context, buildID string) error {
	c, err := r.hubClient(ctx)
	if err != nil {
		return err
	}
	body := buildCompletionRequest{TaskID: buildID, Collectables: []buildCollectableWire{}}
	return c.Call(ctx, http.MethodPost, "/api/v1/summit/buildFailed", client.AccessTokenKind, body, nil)
}

func newLogger(tr config.Tracing) *slog.Logger {
	level := slog.LevelInfo
	switch tr.LevelFilter {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if tr.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func addrFrom(hostAddress string) string {
	if hostAddress == "" {
		return "0.0.0.0:5001"
	}
	return hostAddress
}

func waitForShutdown(log *slog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("builder: shutting down")
}
