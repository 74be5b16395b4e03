package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/lumnicode/internal/assist"
	"github.com/jonathan/lumnicode/internal/config"
	"github.com/jonathan/lumnicode/internal/crypto"
	"github.com/jonathan/lumnicode/internal/db"
	"github.com/jonathan/lumnicode/internal/keys"
	"github.com/jonathan/lumnicode/internal/llm"
	"github.com/jonathan/lumnicode/internal/pipeline"
	"github.com/jonathan/lumnicode/internal/progress"
	"github.com/jonathan/lumnicode/internal/ratelimit"
	"github.com/jonathan/lumnicode/internal/server"
	"github.com/jonathan/lumnicode/internal/telemetry"
)

var (
	servePort      int
	skipMigrations bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start an HTTP server that exposes key management, AI assist, project generation, and progress streams.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides server.port)")
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply database migrations on startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !skipMigrations {
		if err := db.RunMigrations(cfg.Database.URL, "up"); err != nil {
			return err
		}
	}

	database, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	srv, err := buildServer(ctx, cfg, database)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// buildServer wires the services behind the HTTP layer.
func buildServer(ctx context.Context, cfg *config.Config, database *db.DB) (*server.Server, error) {
	sealer, err := newSealer(cfg.Secrets)
	if err != nil {
		return nil, err
	}

	llmConfig, err := cfg.LLM.ClientConfig()
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{}

	var backend ratelimit.Backend
	if cfg.Redis.URL != "" {
		redisBackend, err := ratelimit.NewRedisBackend(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		backend = redisBackend
		slog.Info("using redis rate limit backend")
	}

	manager := keys.NewManager(
		database.Keys(),
		keys.NewHTTPValidator(llmConfig, httpClient, 0),
		sealer,
		ratelimit.NewKeyThrottle(backend),
	)
	assistService := assist.NewService(manager, llm.NewDispatcher(llmConfig, httpClient))

	registry := progress.NewRegistry(cfg.Generation.SessionTTL)
	registry.RunSweeper(ctx, cfg.Generation.SweepInterval)
	generator := pipeline.NewGenerator(assistService, database, registry, pipeline.Options{
		FileDelay: cfg.Generation.FileDelay,
		MaxFiles:  cfg.Generation.MaxFiles,
	})

	tokens, err := server.NewTokenValidator(ctx, cfg.Auth)
	if err != nil {
		return nil, err
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.LimiterConfig(), backend)
	}

	return server.New(server.Config{
		Addr:            cfg.Server.Address(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
		MetricsEnabled:  cfg.Telemetry.MetricsEnabled,
	}, server.Deps{
		Keys:      manager,
		Assist:    assistService,
		Generator: generator,
		Projects:  database,
		Accounts:  database,
		Tokens:    tokens,
		Users:     server.NewUserResolver(database),
		Limiter:   limiter,
		Health:    database,
	})
}

// newSealer returns the at-rest cipher for provider keys.
func newSealer(cfg config.SecretsConfig) (crypto.Sealer, error) {
	if !cfg.Enabled() {
		slog.Warn("SECRETS_KEY not set, provider keys are stored unencrypted")
		return crypto.Plaintext{}, nil
	}
	cipher, err := crypto.DeriveSecretCipher(cfg.Passphrase, []byte(cfg.Salt), cfg.Iterations)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret cipher: %w", err)
	}
	return cipher, nil
}
