package main // Entry point package

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/saas-auth/internal/callback"
	"github.com/iliyamo/saas-auth/internal/config"
	"github.com/iliyamo/saas-auth/internal/database"
	"github.com/iliyamo/saas-auth/internal/gateway"
	"github.com/iliyamo/saas-auth/internal/handler"
	"github.com/iliyamo/saas-auth/internal/logger"
	"github.com/iliyamo/saas-auth/internal/middleware"
	"github.com/iliyamo/saas-auth/internal/queue"
	"github.com/iliyamo/saas-auth/internal/reconcile"
	"github.com/iliyamo/saas-auth/internal/repository"
	"github.com/iliyamo/saas-auth/internal/retry"
	"github.com/iliyamo/saas-auth/internal/router"
	"github.com/iliyamo/saas-auth/internal/service"
	"github.com/iliyamo/saas-auth/internal/session"
	"github.com/iliyamo/saas-auth/internal/sessioncache"
	"github.com/iliyamo/saas-auth/internal/telemetry"
	"github.com/iliyamo/saas-auth/internal/utils"
	"github.com/iliyamo/saas-auth/internal/verifier"
)

const (
	serviceName     = "saas-auth"
	shutdownTimeout = 10 * time.Second
)

func main() {
	Execute()
}

var migrateOnStart bool

// rootCmd serves by default.
var rootCmd = &cobra.Command{
	Use:           serviceName,
	Short:         "Sign-in, session and route guard service",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply migrations before serving (always on for sqlite)")
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

func openDB(cfg *config.Config) (*sql.DB, database.Dialect, error) {
	if cfg.DBDriver == string(database.SQLite) {
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, "", fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err := database.OpenSQLite(cfg.SQLitePath)
		return db, database.SQLite, err
	}
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	return db, database.MySQL, err
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, dialect, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := database.Migrate(cmd.Context(), db, dialect); err != nil {
		return err
	}
	log.Info("migrations applied", zap.String("driver", string(dialect)))
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, serviceName)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	db, dialect, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if migrateOnStart || dialect == database.SQLite {
		if err := database.Migrate(ctx, db, dialect); err != nil {
			return err
		}
	}

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		log.Warn("redis unavailable, using in-process session store, callback guard and no rate limiting",
			zap.String("addr", cfg.Redis.Address()))
	} else {
		defer rdb.Close()
	}

	var sessions session.Store = session.NewMemoryStore()
	var cbGuard callback.Guard = callback.NewMemoryGuard()
	if rdb != nil {
		sessions = session.NewRedisStore(rdb)
		cbGuard = callback.NewRedisGuard(rdb, log)
	}

	bus := gateway.NewBus(log.Named("events"), 0)
	defer bus.Close()

	gw, err := gateway.New(gateway.Options{
		BaseURL:    cfg.AuthServiceURL,
		PublicKey:  cfg.AuthPublicKey,
		ServiceKey: cfg.AuthSecretKey,
		AppURL:     cfg.AppURL,
		Providers:  cfg.OAuthProviders,
		Sessions:   sessions,
		SessionTTL: cfg.SessionTTL,
		Bus:        bus,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	if cfg.AppURL == "" {
		log.Error("APP_URL is not set: OAuth sign-in will fail with a configuration error")
	}

	profiles := repository.NewProfileRepo(db, dialect)
	reconciler := reconcile.New(profiles, log)

	grace := utils.NewGraceSigner(cfg.GraceSecret, cfg.GraceTTL)
	if !grace.Enabled() {
		log.Info("grace tokens disabled (GRACE_TOKEN_SECRET not set)")
	}

	orch := callback.New(callback.Options{
		Gateway:         gw,
		Reconciler:      reconciler,
		Guard:           cbGuard,
		ParamsPolicy:    retry.Fixed(cfg.CallbackParamAttempts, cfg.CallbackParamDelay),
		ReconcilePolicy: retry.Exponential(cfg.ReconcileAttempts, cfg.ReconcileDelay, 4*cfg.ReconcileDelay),
		Grace:           grace,
		Logger:          log,
	})

	cache := sessioncache.New(gw, profiles, log)
	defer cache.Attach()()

	if cfg.RabbitMQURL != "" {
		pub := service.NewEventPublisher(cfg.RabbitMQURL, cfg.AuthEventsQueue, log)
		defer pub.Close()
		defer gw.Subscribe("rabbitmq", pub.Handle)()
	}

	policy, err := middleware.ParseSubscriptionPolicy(cfg.SubscriptionPolicy)
	if err != nil {
		return err
	}
	prod := cfg.IsProduction()
	cookies := session.NewCookies(cfg.SessionTTL, prod)
	subs := middleware.NewCachedSubscriptions(cfg.SubscriptionCache, rdb, profiles, log)

	e := router.New(router.Deps{
		Auth: handler.NewAuthHandler(gw, reconciler, orch,
			verifier.NewCookieStore(cfg.VerifierTTL, prod), cookies, grace, cfg.AppURL, log),
		Sessions: handler.NewSessionHandler(cache, gw, subs, cookies, log),
		Health:   &handler.HealthHandler{DB: db, Redis: rdb},
		Lookup:   gw,
		Cookies:  cookies,
		Guard: middleware.GuardOptions{
			Rules:         guardRules(cfg),
			Policy:        policy,
			Sessions:      gw,
			Subscriptions: subs,
			Cookies:       cookies,
			Grace:         grace,
			Logger:        log,
		},
		RateLimit: middleware.NewTokenBucket(cfg.RateLimit, rdb, log),
		Logger:    log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})
	if cfg.RabbitMQURL != "" {
		g.Go(func() error {
			err := queue.StartAuthEventConsumer(gctx, queue.ConsumerOptions{
				URL:     cfg.RabbitMQURL,
				Queue:   cfg.AuthEventsQueue,
				LogPath: cfg.AuditLogPath,
				Logger:  log,
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	log.Info("server stopped")
	return err
}

func guardRules(cfg *config.Config) middleware.GuardRules {
	rules := middleware.DefaultGuardRules()
	rules.Protected = cfg.ProtectedPrefixes
	rules.AuthPages = cfg.AuthPages
	rules.SubscriptionGated = cfg.SubscriptionPrefixes
	return rules
}
