// Package main is the entry point for the docvault server binary.
// It dispatches four subcommands (serve, migrate, rewrap and version) via a switch
// on os.Args so the full CLI surface is readable in one place. The serve command runs
// auto-migration on startup so freshly deployed containers never need a separate
// migration step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docvault/docvault/internal/api"
	"github.com/docvault/docvault/internal/audit"
	"github.com/docvault/docvault/internal/auth"
	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/crypto"
	"github.com/docvault/docvault/internal/db"
	"github.com/docvault/docvault/internal/db/repositories"
	"github.com/docvault/docvault/internal/middleware"
	"github.com/docvault/docvault/internal/safego"
	"github.com/docvault/docvault/internal/storage"
	"github.com/docvault/docvault/internal/telemetry"
	"github.com/docvault/docvault/internal/tenant"
	"github.com/docvault/docvault/internal/vault"

	_ "github.com/docvault/docvault/internal/storage/azure"
	_ "github.com/docvault/docvault/internal/storage/gcs"
	_ "github.com/docvault/docvault/internal/storage/local"
	_ "github.com/docvault/docvault/internal/storage/s3"
)

var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("docvault v%s\n", version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	auth.TokenIssuer = cfg.Auth.Issuer
	api.Version = version

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "rewrap":
		return rewrap(cfg)
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, rewrap, version", command)
	}
}

// core holds the services shared by serve and rewrap.
type core struct {
	db       *sqlx.DB
	crypto   *crypto.Service
	trail    *audit.Trail
	shipper  *audit.MultiShipper
	archive  storage.Storage
	resolver *tenant.Resolver
	vault    *vault.Service
	users    *repositories.UserRepository
	orgs     *repositories.OrganizationRepository
}

func (c *core) Close() {
	if c.shipper != nil {
		if err := c.shipper.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	c.db.Close()
}

// newCore connects to the database, migrates it and builds the encryption, audit, tenant and
// vault services. Key material and the database password are never logged.
func newCore(cfg *config.Config) (*core, error) {
	slog.Info("database config",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"user", cfg.Database.User,
		"password", maskSecret(cfg.Database.Password),
		"dbname", cfg.Database.Name,
		"sslmode", cfg.Database.SSLMode)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c := &core{db: database}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema version", "version", v, "dirty", dirty)
	}

	keyring, err := crypto.LoadKeyring(&cfg.Encryption)
	if err != nil {
		if keyring == nil {
			return nil, fmt.Errorf("failed to load master key: %w", err)
		}
		slog.Warn("master key loaded without memory lock", "error", err)
	}
	suite, err := crypto.ParseSuite(cfg.Encryption.Cipher)
	if err != nil {
		return nil, err
	}
	c.crypto, err = crypto.NewService(keyring, suite)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	telemetry.ActiveKeyVersion.Set(float64(keyring.ActiveVersion()))
	slog.Info("encryption ready",
		"cipher", cfg.Encryption.Cipher,
		"active_key_version", keyring.ActiveVersion(),
		"key_versions", len(keyring.Versions()))

	c.shipper, err = audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return nil, fmt.Errorf("failed to configure audit shippers: %w", err)
	}
	var shipper audit.Shipper
	if c.shipper.Len() > 0 {
		shipper = c.shipper
	}

	var archiver *audit.Archiver
	if cfg.Audit.Archive.Enabled {
		c.archive, err = storage.NewStorage(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		if cfg.Audit.Archive.CreateTarget {
			pctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			supported, err := storage.Provision(pctx, c.archive)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("failed to provision archive storage: %w", err)
			}
			if !supported {
				slog.Warn("archive backend cannot create its target", "backend", cfg.Storage.DefaultBackend)
			}
		}
		archiver, err = audit.NewArchiver(c.archive, cfg.Audit.Archive)
		if err != nil {
			return nil, err
		}
		slog.Info("audit archive enabled", "backend", cfg.Storage.DefaultBackend, "encrypted", archiver.Encrypted())
	}

	c.trail = audit.NewTrail(repositories.NewAuditRepository(database), shipper, archiver)
	c.users = repositories.NewUserRepository(database)
	c.orgs = repositories.NewOrganizationRepository(database)
	c.resolver = tenant.NewResolver(c.orgs, c.trail, tenant.Policy{
		RequireSecondFactor:   cfg.Auth.RequireSecondFactor,
		SSOSecondFactorBypass: cfg.Auth.SSOSecondFactorBypass,
	})
	c.vault = vault.NewService(database, c.crypto, c.trail)

	ok = true
	return c, nil
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	c, err := newCore(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	telemetry.StartDBStatsCollector(c.db.DB)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Encryption.WatchKeyring && cfg.Encryption.KeyringFile != "" {
		safego.Go("keyring-watch", func() {
			if err := crypto.WatchKeyring(ctx, &cfg.Encryption, c.crypto); err != nil {
				slog.Error("keyring watcher stopped", "error", err)
			}
		})
		slog.Info("watching keyring file for new key versions")
	}

	var limiter middleware.Limiter
	if cfg.Security.RateLimiting.Enabled {
		limiter, err = middleware.NewLimiter(cfg.Security.RateLimiting)
		if err != nil {
			return fmt.Errorf("failed to configure rate limiter: %w", err)
		}
		if rl, ok := limiter.(*middleware.RateLimiter); ok {
			defer rl.Stop()
		}
	}

	// Metrics are served on a dedicated port so they are not reachable through the API ingress.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	deps := api.Dependencies{
		DB:            c.db.DB,
		Users:         c.users,
		Resolver:      c.resolver,
		Vault:         c.vault,
		Organizations: c.orgs,
		Members:       c.orgs,
		Audit:         c.trail,
		RevealLimiter: limiter,
		Archive:       c.archive,
		Keys:          c.crypto,
	}
	router := api.NewRouter(cfg, deps)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"base_url", cfg.Server.BaseURL,
			"tls", cfg.Security.TLS.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// rewrap re-wraps every vault entry's data keys under the active master key version. It runs
// as an elevated system actor, so the grant and every rewrapped entry are audited.
func rewrap(cfg *config.Config) error {
	c, err := newCore(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	el, err := c.resolver.Elevate(ctx, tenant.SystemActor("docvault rewrap"),
		tenant.ClientMetadata{UserAgent: "docvault-server/" + version, Path: "cli:rewrap"},
		"master key rotation")
	if err != nil {
		return fmt.Errorf("failed to elevate: %w", err)
	}

	result, err := c.vault.RewrapAll(ctx, el)
	if result != nil {
		fmt.Printf("scanned=%d rewrapped=%d conflicts=%d failed=%d\n",
			result.Scanned, result.Rewrapped, result.Conflicts, result.Failed)
	}
	if err != nil {
		return fmt.Errorf("rewrap failed: %w", err)
	}
	if result.Failed > 0 || result.Conflicts > 0 {
		return fmt.Errorf("rewrap incomplete: %d failed, %d conflicts; run again", result.Failed, result.Conflicts)
	}
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)

	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	slog.Info("migration completed", "version", v, "dirty", dirty)
	return nil
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return s[:1] + "****"
}
