// Package app wires repositories, services and the HTTP router from
// configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"datapilot/internal/api"
	"datapilot/internal/config"
	"datapilot/internal/db/crypto"
	"datapilot/internal/db/repository"
	"datapilot/internal/domain"
	"datapilot/internal/metrics"
	"datapilot/internal/middleware"
	"datapilot/internal/pool"
	"datapilot/internal/schema"
	"datapilot/internal/service/connection"
	"datapilot/internal/service/history"
	"datapilot/internal/service/query"
	"datapilot/internal/sqlguard"
	"datapilot/internal/translator"
	"datapilot/internal/vault"
)

// devJWTSecret signs tokens when no verifier is configured outside production.
const devJWTSecret = "dev-secret-change-in-production"

const schemaCacheSize = 1024

// Deps holds what main must provide.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Logger  *slog.Logger

	// Opener replaces the PostgreSQL opener when set.
	Opener pool.Opener
}

// App is the fully wired service.
type App struct {
	Handler   http.Handler
	Pools     *pool.Manager
	Records   domain.QueryRecordRepository
	Scheduler *Scheduler

	closers []func() error
	logger  *slog.Logger
}

// New wires every component from deps. ctx bounds background work started
// here (rate limiter cleanup, identity provider discovery).
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	a := &App{logger: logger}

	// === Credential vault ===
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	connRepo := repository.NewConnectionRepo(deps.WriteDB)
	credentials := vault.New(connRepo, encryptor, logger.With("component", "vault"))

	// === Pools ===
	var poolOpts []pool.Option
	if deps.Opener != nil {
		poolOpts = append(poolOpts, pool.WithOpener(deps.Opener))
	}
	pools := pool.New(pool.Config{
		MaxConcurrent:    cfg.Pool.MaxConcurrent,
		BlockOnExhausted: cfg.Pool.BlockOnExhausted,
		AcquireTimeout:   cfg.Pool.AcquireTimeout,
		IdleTTL:          cfg.Pool.IdleTTL,
		MaxOpenPools:     cfg.Pool.MaxOpenPools,
		ConnectTimeout:   cfg.Pool.ConnectTimeout,
		ConnectRetries:   cfg.Pool.ConnectRetries,
		StatementTimeout: cfg.Pool.StatementTimeout,
	}, credentials, logger.With("component", "pool"), poolOpts...)
	a.Pools = pools
	a.closers = append(a.closers, func() error { pools.Close(); return nil })

	// === Schema context ===
	cache, err := newSchemaCache(ctx, cfg.Schema, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := cache.(*schema.RedisCache); ok {
		a.closers = append(a.closers, c.Close)
	}
	schemas := schema.NewCachedProvider(schema.NewIntrospector(pools, cfg.Schema.MaxTables), cache)

	// === Translator + validator ===
	tr, err := translator.New(ctx, cfg.Translator, logger.With("component", "translator"))
	if err != nil {
		return nil, fmt.Errorf("translator: %w", err)
	}
	validator := sqlguard.New(sqlguard.WithAllowedSchemas(cfg.AllowedSystemSchemas...))

	// === Services ===
	records := repository.NewQueryRecordRepo(deps.WriteDB)
	a.Records = records
	engine := query.NewEngine(tr, schemas, validator, pools, records,
		logger.With("component", "engine"), query.WithRowLimit(cfg.RowLimit))
	historySvc := history.New(records, logger.With("component", "history"))
	connSvc := connection.New(credentials, pools, schemas, logger.With("component", "connections"))

	// === HTTP ===
	verifier, err := newVerifier(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	routerCfg := api.RouterConfig{
		Authenticate: middleware.Authenticate(verifier, middleware.ClaimNames{
			Tenant: cfg.Auth.TenantClaim,
			Email:  cfg.Auth.EmailClaim,
		}, logger.With("component", "auth")),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Ready:          deps.ReadDB.PingContext,
	}
	if cfg.RateLimitRPS > 0 {
		routerCfg.RateLimit = middleware.NewRateLimiter(ctx, middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		}).Handler
	}
	if cfg.MetricsEnabled {
		routerCfg.Metrics = metrics.Handler()
	}
	handler := api.NewHandler(engine, historySvc, connSvc, validator, logger.With("component", "api"))
	a.Handler = api.NewRouter(handler, routerCfg)

	a.Scheduler = NewScheduler(logger.With("component", "scheduler"), Job{
		Name:     "reap-idle-pools",
		Schedule: reapSchedule,
		Run: func(context.Context) {
			if n := pools.Reap(); n > 0 {
				logger.Info("idle pools closed", "count", n)
			}
		},
	})
	return a, nil
}

// Close stops background work and releases every pool and client.
func (a *App) Close() {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", "error", err)
		}
	}
}

func newSchemaCache(ctx context.Context, cfg config.SchemaConfig, logger *slog.Logger) (schema.Cache, error) {
	if cfg.RedisURL != "" {
		c, err := schema.NewRedisCache(ctx, cfg.RedisURL, cfg.CacheTTL, logger.With("component", "schema-cache"))
		if err == nil {
			return c, nil
		}
		logger.Warn("redis schema cache unavailable, using in-process cache", "error", err)
	}
	c, err := schema.NewMemoryCache(schemaCacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("schema cache: %w", err)
	}
	return c, nil
}

func newVerifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (middleware.TokenValidator, error) {
	switch {
	case cfg.Auth.OIDCEnabled():
		v, err := middleware.NewOIDCValidator(ctx, cfg.Auth.IssuerURL, cfg.Auth.Audience)
		if err != nil {
			return nil, fmt.Errorf("identity provider: %w", err)
		}
		return v, nil
	case cfg.Auth.JWTSecret != "":
		return middleware.NewHS256Validator(cfg.Auth.JWTSecret)
	default:
		logger.Warn("no identity verifier configured, accepting HS256 tokens signed with the development secret")
		return middleware.NewHS256Validator(devJWTSecret)
	}
}
