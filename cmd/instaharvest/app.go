package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"

	"github.com/FranksOps/instaharvest/internal/blob"
	"github.com/FranksOps/instaharvest/internal/checkpoint"
	"github.com/FranksOps/instaharvest/internal/config"
	"github.com/FranksOps/instaharvest/internal/cooldown"
	"github.com/FranksOps/instaharvest/internal/db/records"
	"github.com/FranksOps/instaharvest/internal/extract"
	"github.com/FranksOps/instaharvest/internal/fetch"
	"github.com/FranksOps/instaharvest/internal/fingerprint"
	"github.com/FranksOps/instaharvest/internal/metrics"
	"github.com/FranksOps/instaharvest/internal/pipeline"
	"github.com/FranksOps/instaharvest/internal/scanner"
	"github.com/FranksOps/instaharvest/internal/storage"
	"github.com/FranksOps/instaharvest/internal/storage/csvbackend"
	"github.com/FranksOps/instaharvest/internal/storage/jsonbackend"
	"github.com/FranksOps/instaharvest/internal/storage/postgres"
	"github.com/FranksOps/instaharvest/internal/storage/sqlite"
	"github.com/FranksOps/instaharvest/pkg/egress"
	"github.com/FranksOps/instaharvest/pkg/ratelimit"
)

// app holds the components one command invocation works with.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	tables  records.Tables
	fetcher *fetch.Fetcher
	runner  *pipeline.Runner
	audit   storage.Backend
	metrics *metrics.Server
	closers []func() error
}

// newApp wires every component from cfg. Close releases what it opened.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if a.tables, err = openTables(ctx, cfg); err != nil {
		return nil, err
	}
	if a.audit, err = openAudit(ctx, cfg.Audit); err != nil {
		return nil, err
	}
	if a.audit != nil {
		a.closers = append(a.closers, a.audit.Close)
	}

	gate, err := a.openCooldown(ctx)
	if err != nil {
		return nil, err
	}
	if a.fetcher, err = newFetcher(cfg, gate, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.fetcher.Close(); return nil })

	local := blob.NewLocalStore(cfg.Storage.LocalDir)
	var remote blob.Store
	if cfg.Storage.Remote {
		if remote, err = blob.NewMinioStore(ctx, cfg.Storage.Minio, logger); err != nil {
			return nil, err
		}
	}

	retriever, err := pipeline.NewRetriever(pipeline.RetrieverConfig{
		Fetcher: a.fetcher,
		Tables:  a.tables,
		Local:   local,
		Remote:  remote,
		Audit:   a.audit,
		Images:  cfg.Storage.Images,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	sc, err := scanner.New(scanner.Config{
		Tables:       a.tables,
		Checkpoints:  checkpoint.NewFileStore(cfg.Scan.CheckpointDir),
		PageSize:     cfg.Scan.PageSize,
		PageAttempts: cfg.Scan.PageAttempts,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	ex, err := extract.New(extract.Config{Tables: a.tables, Payloads: local, Logger: logger})
	if err != nil {
		return nil, err
	}
	a.runner, err = pipeline.NewRunner(pipeline.RunnerConfig{
		Retriever: retriever,
		Scanner:   sc,
		Extractor: ex,
		Workers:   cfg.Pipeline.Workers,
		BatchSize: cfg.Scan.BatchSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Addr != "" {
		a.metrics = metrics.Start(cfg.Metrics.Addr, logger)
		logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}
	return a, nil
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.metrics.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openTables(ctx context.Context, cfg *config.Config) (records.Tables, error) {
	if cfg.Store == "memory" {
		return records.NewMemoryTables(), nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWS.Region))
	}
	if cfg.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})
	return records.NewDynamoTables(client, cfg.Tables), nil
}

// openAudit returns nil when the audit log is disabled.
func openAudit(ctx context.Context, c config.Audit) (storage.Backend, error) {
	var (
		b   storage.Backend
		err error
	)
	switch c.Backend {
	case "", "none":
		return nil, nil
	case "sqlite":
		b, err = sqlite.New(c.DSN)
	case "postgres":
		b, err = postgres.New(ctx, c.DSN)
	case "csv":
		b, err = csvbackend.New(c.DSN)
	case "json":
		b, err = jsonbackend.New(c.DSN)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", c.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s audit log: %w", c.Backend, err)
	}
	return b, nil
}

func (a *app) openCooldown(ctx context.Context) (cooldown.Gate, error) {
	c := a.cfg.Cooldown
	switch c.Backend {
	case "", "none":
		return cooldown.Nop{}, nil
	case "memory":
		return cooldown.NewMemory(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr, DB: c.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connecting to redis %s: %w", c.RedisAddr, err)
		}
		a.closers = append(a.closers, client.Close)
		return cooldown.NewRedis(client, c.Key), nil
	}
	return nil, fmt.Errorf("unknown cooldown backend %q", c.Backend)
}

func newFetcher(cfg *config.Config, gate cooldown.Gate, logger *slog.Logger) (*fetch.Fetcher, error) {
	profile, err := fingerprint.ParseProfile(cfg.Source.Fingerprint)
	if err != nil {
		return nil, err
	}

	fc := fetch.Config{
		BaseURL:           cfg.Source.BaseURL,
		Timeout:           cfg.Source.Timeout,
		MaxRedirects:      cfg.Source.MaxRedirects,
		UseCookieJar:      cfg.Source.CookieJar,
		MaxBodyBytes:      cfg.Source.MaxBodyBytes,
		Fingerprint:       profile,
		Cooldown:          gate,
		InitialBackoff:    cfg.Source.InitialBackoff,
		MaxBackoff:        cfg.Source.MaxBackoff,
		RotateOnRateLimit: cfg.Source.RotateOnRateLimit,
		MaxAttempts:       cfg.Source.MaxAttempts,
		Logger:            logger,
	}
	if cfg.Source.RequestsPerSecond > 0 {
		fc.Limiter = ratelimit.NewLimiter(cfg.Source.RequestsPerSecond, cfg.Source.Jitter)
	}

	if cfg.Egress.Enabled {
		mode, err := egress.ParseMode(cfg.Egress.Mode)
		if err != nil {
			return nil, err
		}
		pool, err := egress.Load(egress.Config{
			ProxiesFile:    cfg.Egress.ProxiesFile,
			UserAgentsFile: cfg.Egress.UserAgentsFile,
			Mode:           mode,
			MaxFailures:    cfg.Egress.MaxFailures,
			Cooldown:       cfg.Egress.Cooldown,
		})
		if err != nil {
			return nil, fmt.Errorf("loading egress identities: %w", err)
		}
		fc.Egress = pool
	} else if cfg.Egress.UserAgentsFile != "" {
		if fc.UserAgents, err = egress.LoadAgents(cfg.Egress.UserAgentsFile); err != nil {
			return nil, err
		}
	}
	return fetch.New(fc)
}
