// Command hub runs the Package Build Federation orchestrator: recipe
// intake, the dependency DAG, dispatch, and completion propagation
// (spec §4.5, §4.6).
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/serpent-os/federation/pkg/api"
	"github.com/serpent-os/federation/pkg/authz"
	"github.com/serpent-os/federation/pkg/config"
	"github.com/serpent-os/federation/pkg/crypto"
	"github.com/serpent-os/federation/pkg/enrollment"
	"github.com/serpent-os/federation/pkg/hub"
	"github.com/serpent-os/federation/pkg/ratelimit"
	"github.com/serpent-os/federation/pkg/stone"
	"github.com/serpent-os/federation/pkg/store"
	"github.com/serpent-os/federation/pkg/taskrunner"
	"github.com/serpent-os/federation/pkg/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("hub", flag.ContinueOnError)
	dir := fs.String("dir", ".", "service state directory")
	configPath := fs.String("config", "config.toml", "path to config.toml, relative to -dir")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(filepath.Join(*dir, *configPath))
	if err != nil {
		slog.Error("hub: load config", "error", err)
		return 1
	}
	log := newLogger(cfg.Tracing)

	shutdownTracing := telemetry.Init("federation-hub")
	defer shutdownTracing(context.Background())

	keys, err := crypto.LoadOrGenerateKeyFile(filepath.Join(*dir, ".privkey"))
	if err != nil {
		log.Error("hub: load key file", "error", err)
		return 1
	}
	log.Info("hub: trust root", "public_key", keys.Public().Base64())

	db, err := openStore(*dir, cfg)
	if err != nil {
		log.Error("hub: open store", "error", err)
		return 1
	}
	defer db.Close()
	if err := hub.Migrate(db); err != nil {
		log.Error("hub: migrate domain schema", "error", err)
		return 1
	}

	accounts := store.NewAccountStore(db)
	endpoints := store.NewEndpointStore(db)
	tokens := store.NewTokenStore(db)
	pending := store.NewPendingEnrollments()

	if err := seedAdmin(accounts, cfg); err != nil {
		log.Error("hub: seed admin account", "error", err)
		return 1
	}

	projects := hub.NewProjectStore(db)
	profiles := hub.NewProfileStore(db)
	repos := hub.NewRepositoryStore(db)
	tasks := hub.NewTaskStore(db)

	vis, err := hub.NewVisibilityChecker()
	if err != nil {
		log.Error("hub: compile visibility predicate", "error", err)
		return 1
	}

	intake := &hub.Intake{Codec: stone.ExecCodec{}, CacheDir: filepath.Join(*dir, "cache"), Repos: repos, Tasks: tasks}
	sender := &hub.ClientSender{Tokens: tokens, Endpoints: endpoints}
	dispatcher := &hub.Dispatcher{Tasks: tasks, Endpoints: endpoints, Sender: sender, Log: log}
	completion := &hub.Completion{Tasks: tasks, Profiles: profiles, Endpoints: endpoints, Importer: sender, Fetch: hub.HTTPIndexFetcher{}}

	svc := hub.NewService(projects, profiles, repos, tasks, intake, dispatcher, completion, vis, log)

	hubSide := &enrollment.HubSide{
		Self:      selfIssuer(cfg, keys, store.RoleHub),
		Keys:      keys,
		Accounts:  accounts,
		Endpoints: endpoints,
		Tokens:    tokens,
		Pending:   pending,
	}

	handlers := &hub.Handlers{Enrol: hubSide, Keys: keys, Tokens: tokens, Svc: svc}

	auth := authz.NewAuthorizer(keys.Public())
	reg := api.NewRegistry(auth)
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		reg.WithLimiter(ratelimit.New(addr, os.Getenv("REDIS_PASSWORD"), 0, 50, 100))
	}
	handlers.Register(reg)

	runner := taskrunner.New("hub-worker", svc.Tick, log)
	runner.Start(context.Background())

	srv := &http.Server{Addr: addrFrom(cfg.HostAddress), Handler: reg}
	go func() {
		log.Info("hub: listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("hub: http server", "error", err)
		}
	}()

	waitForShutdown(log)
	_ = srv.Shutdown(context.Background())
	if err := runner.Stop(); err != nil {
		log.Error("hub: worker loop did not stop cleanly", "error", err)
	}
	return 0
}

func openStore(dir string, cfg *config.Config) (*sql.DB, error) {
	dsn := cfg.DatabaseURL
	dialect := store.DialectPostgres
	if dsn == "" {
		dsn = filepath.Join(dir, "service.db")
		dialect = store.DialectSQLite
	}
	return store.Open(dialect, dsn)
}

func seedAdmin(accounts *store.AccountStore, cfg *config.Config) error {
	if _, err := accounts.Admin(context.Background()); err == nil {
		return nil
	}
	_, err := accounts.Create(context.Background(), store.Account{
		ID:        "admin",
		Kind:      store.AccountAdmin,
		Username:  cfg.Admin.Username,
		Email:     cfg.Admin.Email,
		PublicKey: cfg.Admin.PublicKey,
	})
	return err
}

func selfIssuer(cfg *config.Config, keys *crypto.KeyPair, role store.Role) enrollment.Issuer {
	return enrollment.Issuer{
		PublicKey:   keys.Public().Base64(),
		URL:         cfg.HostAddress,
		Role:        role,
		AdminEmail:  cfg.Admin.Email,
		AdminName:   cfg.Admin.Username,
		Description: cfg.Description,
	}
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
		return "0.0.0.0:5000"
	}
	return hostAddress
}

func waitForShutdown(log *slog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("hub: shutting down")
}
