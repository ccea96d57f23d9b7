// Command repository-manager runs the Package Build Federation's import
// pipeline: download, parse, version-gate, place, record, and reindex
// incoming packages, then report back to the Hub (spec §4.8).
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
	"github.com/serpent-os/federation/pkg/artifacts"
	"github.com/serpent-os/federation/pkg/authz"
	"github.com/serpent-os/federation/pkg/client"
	"github.com/serpent-os/federation/pkg/config"
	"github.com/serpent-os/federation/pkg/crypto"
	"github.com/serpent-os/federation/pkg/enrollment"
	"github.com/serpent-os/federation/pkg/repomanager"
	"github.com/serpent-os/federation/pkg/stone"
	"github.com/serpent-os/federation/pkg/store"
	"github.com/serpent-os/federation/pkg/taskrunner"
	"github.com/serpent-os/federation/pkg/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("repository-manager", flag.ContinueOnError)
	dir := fs.String("dir", ".", "service state directory")
	configPath := fs.String("config", "config.toml", "path to config.toml, relative to -dir")
	arch := fs.String("architecture", "x86_64", "architecture this instance indexes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(filepath.Join(*dir, *configPath))
	if err != nil {
		slog.Error("repository-manager: load config", "error", err)
		return 1
	}
	log := newLogger(cfg.Tracing)

	shutdownTracing := telemetry.Init("federation-repository-manager")
	defer shutdownTracing(context.Background())

	if cfg.Upstream == "" || cfg.UpstreamKey == "" {
		log.Error("repository-manager: upstream (Hub URL and public key) is required")
		return 1
	}
	upstream, err := crypto.ParsePublicKey(cfg.UpstreamKey)
	if err != nil {
		log.Error("repository-manager: parse upstream public key", "error", err)
		return 1
	}

	keys, err := crypto.LoadOrGenerateKeyFile(filepath.Join(*dir, ".privkey"))
	if err != nil {
		log.Error("repository-manager: load key file", "error", err)
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
		log.Error("repository-manager: open store", "error", err)
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
			Role:        store.RoleRepositoryManager,
			AdminEmail:  cfg.Admin.Email,
			AdminName:   cfg.Admin.Username,
			Description: cfg.Description,
		},
		Role:      store.RoleRepositoryManager,
		Keys:      keys,
		Upstream:  upstream,
		Accounts:  accounts,
		Endpoints: endpoints,
		Tokens:    tokens,
		Pending:   pending,
	}

	artifactStore, err := artifacts.NewStoreFromEnv(context.Background())
	if err != nil {
		log.Error("repository-manager: open artifact store", "error", err)
		return 1
	}

	notifier := &hubNotifier{tokens: tokens, endpoints: endpoints, role: store.RoleHub}

	publicDir := filepath.Join(*dir, "state", "public")
	pipeline := &repomanager.Pipeline{
		DB:          db,
		Collections: repomanager.NewCollectionStore(db),
		Meta:        repomanager.NewMetaStore(db),
		Store:       artifactStore,
		Codec:       stone.ExecCodec{},
		Download:    repomanager.HTTPDownloader{},
		StagingDir:  filepath.Join(*dir, "state", "staging"),
		IndexPath:   filepath.Join(publicDir, "volatile", *arch, "stone.index"),
		IndexBase:   cfg.HostAddress,
		Notify:      notifier,
		Log:         log,
	}

	queue := repomanager.NewQueue()

	auth := authz.NewAuthorizer(keys.Public())
	reg := api.NewRegistry(auth)

	importHandlers := &repomanager.Handlers{Queue: queue}
	importHandlers.Register(reg)

	enrolHandlers := &enrollment.PeerHandlers{Peer: peer, HubURL: cfg.Upstream, Log: log}
	enrolHandlers.Register(reg)

	runner := taskrunner.New("repomanager-worker", func(ctx context.Context) error {
		return pipeline.Tick(ctx, queue)
	}, log)
	runner.Start(context.Background())

	mux := http.NewServeMux()
	mux.Handle("/api/", reg)
	mux.Handle("/public/", http.StripPrefix("/public/", http.FileServer(http.Dir(publicDir))))

	srv := &http.Server{Addr: addrFrom(cfg.HostAddress), Handler: mux}
	go func() {
		log.Info("repository-manager: listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("repository-manager: http server", "error", err)
		}
	}()

	waitForShutdown(log)
	_ = srv.Shutdown(context.Background())
	if err := runner.Stop(); err != nil {
		log.Error("repository-manager: worker loop did not stop cleanly", "error", err)
	}
	return 0
}

// hubNotifier implements repomanager.Notifier over the shared outbound
// client package, addressing the unique operational Hub endpoint recorded
// by enrollment.
type hubNotifier struct {
	tokens    *store.TokenStore
	endpoints *store.EndpointStore
	role      store.Role
}

func (n *hubNotifier) hubClient(ctx context.Context) (*client.Client, error) {
	hub, err := n.endpoints.OperationalByRole(ctx, n.role)
	if err != nil {
		return nil, err
	}
	auth := client.NewEndpointAuth(hub.ID, hub.HostURL, n.tokens, n.endpoints)
	return client.New(hub.HostURL, auth), nil
}

type importCompletionRequest struct {
	TaskID int64 `json:"taskID"`
}

func (n *hubNotifier) ImportSucceeded(ctx context.Context, taskID int64) error {
	c, err := n.hubClient(ctx)
	if err != nil {
		return err
	}
	return c.Call(ctx, http.MethodPost, "/api/v1/summit/importSucceeded", client.AccessTokenKind, importCompletionRequest{TaskID: taskID}, nil)
}

func (n *hubNotifier) ImportFailed(ctx context.Context, taskID int64) error {
	c, err := n.hubClient(ctx)
	if err != nil {
		return err
	}
	return c.Call(ctx, http.MethodPost, "/api/v1/summit/importFailed", client.AccessTokenKind, importCompletionRequest{TaskID: taskID}, nil)
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
		return "0.0.0.0:5002"
	}
	return hostAddress
}

func waitForShutdown(log *slog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("repository-manager: shutting down")
}
