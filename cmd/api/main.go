package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"agreementflow/agreement"
	"agreementflow/audit"
	"agreementflow/auth"
	"agreementflow/blob"
	"agreementflow/config"
	"agreementflow/content"
	"agreementflow/db"
	"agreementflow/logger"
	"agreementflow/numbering"
	"agreementflow/party"
	"agreementflow/signature"
)

func main() {
	var (
		envFile     = pflag.String("env-file", ".env", "path to an optional .env file")
		addr        = pflag.String("addr", "", "listen address, overrides HTTP_ADDR")
		migrateOnly = pflag.Bool("migrate-only", false, "apply migrations and exit")
		issueToken  = pflag.String("issue-token", "", "print a bearer token for the given party id and exit")
	)
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}

	log := logger.New(logger.Config{Level: cfg.Logger.Level, Encoding: cfg.Logger.Encoding}).
		With(zap.String("app", cfg.AppName), zap.String("env", cfg.Environment))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *migrateOnly, *issueToken); err != nil {
		log.Error("agreementflow exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, migrateOnly bool, tokenFor string) error {
	if cfg.Migrations.Enabled || migrateOnly {
		if err := db.Migrate(cfg.Database.URL, log); err != nil {
			return err
		}
		if migrateOnly {
			return nil
		}
	}

	pool, err := db.NewPool(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	parties := party.NewDirectory(party.NewRepository(pool))
	tokens := auth.NewService(parties, cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
	if tokenFor != "" {
		token, err := tokens.IssueToken(ctx, tokenFor)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	blobs, err := blob.Open(cfg.Blob.Path, cfg.Blob.Bucket)
	if err != nil {
		return err
	}
	defer blobs.Close()

	repo := agreement.NewRepository(pool)
	registry, closeRegistry, err := numberRegistry(ctx, cfg.Redis, repo, log)
	if err != nil {
		return err
	}
	defer closeRegistry()

	var lookup audit.Lookup
	if cfg.Audit.IPLookupURL != "" {
		lookup = audit.HTTPLookup{Endpoint: cfg.Audit.IPLookupURL}
	}

	templates := content.NewTemplateRepository(pool)
	service := agreement.NewService(agreement.Dependencies{
		Pool:     pool,
		Repo:     repo,
		Parties:  parties,
		Content:  content.NewResolver(templates, blobs, log),
		Capturer: signature.NewCapturer(),
		Auditor:  audit.NewRecorder(lookup, cfg.Audit.Timeout, log),
		Blobs:    blobs,
		Numbers:  numbering.NewAssigner(registry, log),
		Logger:   log,
	})

	server := &Server{
		agreements: service,
		templates:  templates,
		blobs:      blobs,
		tokens:     tokens,
		health:     pool.Ping,
		logger:     log,
		maxUpload:  cfg.HTTP.MaxUploadBytes,
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// numberRegistry checks candidate numbers against the agreements table and,
// when Redis is configured, reserves them there so concurrent instances do
// not hand out the same number.
func numberRegistry(ctx context.Context, cfg config.RedisConfig, repo *agreement.PGRepository, log *zap.Logger) (numbering.Registry, func(), error) {
	unused := func(ctx context.Context, number string) (bool, error) {
		inUse, err := repo.NumberInUse(ctx, number)
		return !inUse, err
	}
	if cfg.URL == "" {
		return numbering.RegistryFunc(unused), func() {}, nil
	}

	client, err := numbering.NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	log.Info("agreement numbers reserved in redis", zap.String("prefix", cfg.KeyPrefix))
	reserved := numbering.NewRedisRegistry(client, cfg.KeyPrefix)
	registry := numbering.RegistryFunc(func(ctx context.Context, number string) (bool, error) {
		ok, err := unused(ctx, number)
		if err != nil || !ok {
			return ok, err
		}
		return reserved.Reserve(ctx, number)
	})
	return registry, func() { _ = client.Close() }, nil
}
