// Command ledgerd serves the ledger and request-approval engine over HTTP.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bank-ledger/pkg/account"
	"bank-ledger/pkg/alert"
	"bank-ledger/pkg/api"
	"bank-ledger/pkg/cache"
	"bank-ledger/pkg/cache/memory"
	"bank-ledger/pkg/cache/redis"
	"bank-ledger/pkg/card"
	"bank-ledger/pkg/chain"
	"bank-ledger/pkg/config"
	"bank-ledger/pkg/ledger"
	"bank-ledger/pkg/logging"
	promMetrics "bank-ledger/pkg/metrics/prometheus"
	"bank-ledger/pkg/resilience"
	"bank-ledger/pkg/store"
	memstore "bank-ledger/pkg/store/memory"
	"bank-ledger/pkg/store/postgres"
	"bank-ledger/pkg/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/rueidis"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledgerd stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *logging.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := promMetrics.NewCollector("ledger")
	if err := collector.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	backend, err := openStore(cfg)
	if err != nil {
		return err
	}
	s := resilience.New(backend, cfg.Resilience(), collector, logger)
	defer func() { err = multierr.Append(err, s.Close()) }()
	logger.Info("store ready", zap.String("backend", s.Name()))

	var redisClient rueidis.Client
	if cfg.Redis.Enabled() {
		rc := redis.DefaultClientConfig()
		rc.Addr = cfg.Redis.Addr
		rc.ClusterAddrs = cfg.Redis.ClusterAddrs
		rc.SentinelAddrs = cfg.Redis.SentinelAddrs
		rc.SentinelMasterSet = cfg.Redis.SentinelMasterSet
		rc.Username = cfg.Redis.Username
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		redisClient, err = redis.NewClient(rc)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		logger.Info("redis ready",
			zap.String("addr", cfg.Redis.Addr),
			zap.Strings("cluster", cfg.Redis.ClusterAddrs),
			zap.Strings("sentinels", cfg.Redis.SentinelAddrs),
		)
	}

	dependencies := map[string]api.Pinger{}
	var l2 *redis.RedisCache
	if redisClient != nil {
		l2 = redis.New(redisClient, "L2-Redis", cfg.Redis.KeyPrefix)
		dependencies["redis"] = l2
	}

	directory, err := newDirectory(cfg, l2, collector, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, directory.Close()) }()
	logger.Info("account directory ready", zap.Stringer("chain", directory))

	accountConfig := account.DefaultConfig()
	accountConfig.AllowOverdraft = cfg.AllowOverdraft
	accountConfig.DirectoryTTL = cfg.DirectoryTTL
	accounts := account.NewService(s, directory, accountConfig, collector, logger)

	l := ledger.New(s, accounts, logger)
	alerts := alert.NewNotifier(s, accounts, collector, logger)

	cardConfig := card.DefaultConfig()
	cardConfig.ValidityYears = cfg.CardValidityYears
	cards := card.NewIssuer(s, cardConfig, collector, logger)
	if err := cards.Warm(ctx); err != nil {
		return fmt.Errorf("warm card filter: %w", err)
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Address = cfg.HTTPAddr
	serverConfig.Registry = registry
	if redisClient != nil {
		serverConfig.Idempotency = api.NewRedisIdempotencyStore(redisClient, cfg.Redis.KeyPrefix, cfg.IdempotencyTTL)
	} else {
		serverConfig.Idempotency = api.NewMemoryIdempotencyStore(cfg.IdempotencyTTL)
	}

	server, err := api.NewServer(api.Services{
		Accounts:     accounts,
		Ledger:       l,
		Workflow:     workflow.New(s, accounts, l, alerts, cards, collector, logger),
		Alerts:       alerts,
		Cards:        cards,
		Store:        s,
		Dependencies: dependencies,
	}, serverConfig, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	logger.Info("ledgerd started", zap.String("address", cfg.HTTPAddr))
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("ledgerd stopped gracefully")
	return nil
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres, config.DriverPgx:
		ps, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return ps, nil
	default:
		return memstore.New(memstore.DefaultConfig()), nil
	}
}

// newDirectory builds the account profile chain: process memory first,
// then Redis when configured.
func newDirectory(cfg config.Config, l2 *redis.RedisCache, collector *promMetrics.Collector, logger *logging.Logger) (*chain.Chain, error) {
	layers := []cache.Layer{
		memory.NewMemoryCache(memory.MemoryCacheConfig{
			Name:            "L1-Memory",
			MaxSize:         10000,
			DefaultTTL:      cfg.DirectoryTTL,
			CleanupInterval: time.Minute,
		}),
	}
	if l2 != nil {
		layers = append(layers, l2)
	}
	return chain.New(collector, logger, layers...)
}
