package cmd

import (
	"fmt"
	"strings"

	"github.com/jmehdipour/quota-gateway/internal/clock"
	"github.com/jmehdipour/quota-gateway/internal/config"
	"github.com/jmehdipour/quota-gateway/internal/db"
	"github.com/jmehdipour/quota-gateway/internal/limiter"
	"github.com/jmehdipour/quota-gateway/internal/logger"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/jmehdipour/quota-gateway/internal/service/directory"
	"github.com/jmehdipour/quota-gateway/internal/upstream"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// newLimiterStore builds the counter store named by admission.store. The
// returned close func releases any connection the store owns.
func newLimiterStore(cfg config.Config, mysqlDB *sqlx.DB) (limiter.Store, func(), error) {
	switch cfg.Admission.Store {
	case "memory":
		return limiter.NewMemoryStore(), func() {}, nil
	case "redis":
		rdb, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connect: %w", err)
		}
		store := limiter.NewRedisStore(limiter.RedisConfig{
			Redis:     rdb,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Grace:     cfg.Redis.ExpiryGrace,
		})
		return store, func() { _ = rdb.Close() }, nil
	case "mysql":
		return limiter.NewSQLStore(mysqlDB, repository.NewRateWindowsRepository(mysqlDB)), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown admission store %q", cfg.Admission.Store)
	}
}

func newDirectory(cfg config.Config, mysqlDB *sqlx.DB, log *zap.Logger) *directory.Service {
	return directory.New(
		repository.NewCustomersRepository(mysqlDB),
		clock.Real(),
		cfg.Admission.DefaultLimits.Limits(),
		log,
	)
}

// newAnalyzer builds the upstream dispatcher from the enabled providers.
func newAnalyzer(cfg config.Config) (*upstream.Dispatcher, error) {
	var provs []upstream.Provider
	for _, pc := range cfg.Upstream.Providers {
		if !pc.Enabled || strings.TrimSpace(pc.BaseURL) == "" {
			continue
		}
		provs = append(provs, upstream.NewHTTPProvider(upstream.ProviderConfig{
			Name:          pc.Name,
			BaseURL:       strings.TrimRight(pc.BaseURL, "/"),
			Path:          pc.Path,
			TimeoutMs:     pc.TimeoutMs,
			FailThreshold: pc.Breaker.FailThreshold,
			OpenForMs:     pc.Breaker.OpenForMs,
		}, clock.Real()))
	}
	if len(provs) == 0 {
		return nil, fmt.Errorf("no upstream providers enabled in config")
	}
	return upstream.NewDispatcher(provs, cfg.Upstream.MaxAttempts), nil
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, initLogger(cfg), nil
}

func initLogger(cfg config.Config) *zap.Logger {
	l := logger.Init(cfg.Log.Level, cfg.Log.Encoding)
	zap.ReplaceGlobals(l)
	return l
}
