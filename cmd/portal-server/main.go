package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careportal/portal/internal/config"
	"github.com/careportal/portal/internal/domain/account"
	"github.com/careportal/portal/internal/domain/patient"
	"github.com/careportal/portal/internal/platform/apperr"
	"github.com/careportal/portal/internal/platform/auth"
	"github.com/careportal/portal/internal/platform/blobstore"
	"github.com/careportal/portal/internal/platform/db"
	"github.com/careportal/portal/internal/platform/middleware"
	"github.com/careportal/portal/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal-server",
		Short: "Care portal API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the portal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(dir string, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir))
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns}
}

// newLogger writes JSON to stdout, or console output in development.
func newLogger(env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout)
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}

// newStore builds the avatar store selected by STORAGE_BACKEND.
func newStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	switch cfg.StorageBackend {
	case "s3":
		return blobstore.NewS3Store(ctx, cfg.S3Bucket, cfg.S3PublicBaseURL)
	case "disk":
		return blobstore.NewDiskStore(cfg.UploadsDir, cfg.UploadsPublicPrefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// bodyLimits gives the avatar route room for the image plus multipart
// framing; everything else gets BODY_LIMIT.
func bodyLimits(cfg *config.Config) middleware.BodyLimitConfig {
	return middleware.BodyLimitConfig{
		Default:     cfg.BodyLimit,
		Upload:      strconv.FormatInt(cfg.AvatarMaxBytes+1<<20, 10),
		UploadPaths: []string{patient.AvatarPath},
	}
}

func rateLimits(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// server holds everything newRouter mounts.
type server struct {
	cfg       *config.Config
	logger    zerolog.Logger
	metrics   *telemetry.Provider
	accounts  *account.Service
	patients  *patient.Service
	dbHealth  echo.HandlerFunc
	uploadDir string // served under UploadsPublicPrefix when non-empty
}

func newRouter(s server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(s.logger)

	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders(s.cfg.UploadsPublicPrefix))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: s.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(bodyLimits(s.cfg)))

	e.GET("/api/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	})
	if s.dbHealth != nil {
		e.GET("/health/db", s.dbHealth)
	}
	e.GET("/metrics", s.metrics.Handler())
	if s.uploadDir != "" {
		e.Static(s.cfg.UploadsPublicPrefix, s.uploadDir)
	}

	api := e.Group("/api")
	bearer := auth.BearerMiddleware(s.accounts)
	account.NewHandler(s.accounts).RegisterRoutes(api, bearer, middleware.RateLimit(rateLimits(s.cfg)))
	patient.NewHandler(s.patients).RegisterRoutes(api, bearer)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
	for _, w := range cfg.Warnings {
		logger.Warn().Msg(w)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	store, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise avatar storage")
	}
	var uploadDir string
	if ds, ok := store.(*blobstore.DiskStore); ok {
		uploadDir = ds.Root()
	}

	metrics := telemetry.NewProvider(telemetry.Config{RuntimeMetrics: true})
	metrics.RegisterDBPool(func() *db.PoolStats { return db.GetPoolStats(pool) })

	accounts, patients, err := newServices(cfg, pool, store, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build services")
	}

	e := newRouter(server{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		accounts:  accounts,
		patients:  patients,
		dbHealth:  db.HealthHandler(pool),
		uploadDir: uploadDir,
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.StorageBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServices(cfg *config.Config, pool *pgxpool.Pool, store blobstore.Store, metrics *telemetry.Provider, logger zerolog.Logger) (*account.Service, *patient.Service, error) {
	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		TTL:    cfg.JWTTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	hasher := auth.NewPasswordHasher(cfg.BcryptCost)

	accounts := account.NewService(account.NewRepo(pool), hasher, tokens, metrics,
		logger.With().Str("component", "account").Logger())
	patients := patient.NewService(patient.NewRepo(pool), db.NewPoolTransactor(pool), hasher, store,
		cfg.AvatarMaxBytes, logger.With().Str("component", "patient").Logger())
	return accounts, patients, nil
}
