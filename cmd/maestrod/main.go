// Command maestrod runs one orchestration node: it registers the
// configured adapters, joins the cluster over Redis, and executes
// claimed tasks until signalled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/voltmind/maestro/cache"
	"github.com/voltmind/maestro/cluster"
	"github.com/voltmind/maestro/core"
	"github.com/voltmind/maestro/engine"
	"github.com/voltmind/maestro/events"
	"github.com/voltmind/maestro/learning"
	"github.com/voltmind/maestro/resilience"
	"github.com/voltmind/maestro/routing"
	"github.com/voltmind/maestro/telemetry"
	"github.com/voltmind/maestro/validation"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "maestrod",
		Short:   "Maestro orchestration node",
		Version: version,
	}

	var configPath string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run an orchestration node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), configPath)
		},
	}
	run.Flags().StringVarP(&configPath, "config", "c", "maestro.yaml", "path to the node configuration")
	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNode(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := core.NewProductionLogger(core.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}, "maestrod")

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return core.WrapError(core.CodeRepository, "redis unreachable at "+cfg.Redis.Addr, err)
	}

	registry := core.NewAdapterRegistry(logger.WithComponent("registry"))
	for _, ac := range cfg.Adapters {
		adapter, err := buildAdapter(ac)
		if err != nil {
			return err
		}
		if err := registry.Register(adapter); err != nil {
			return err
		}
	}

	bus := events.NewBus(logger.WithComponent("events"))
	if _, err := telemetry.BindBus(bus, logger); err != nil {
		return err
	}

	loop := learning.NewLoop(&learning.Config{
		InsightInterval: cfg.Learning.InsightInterval,
		DefaultAdapter:  cfg.Learning.DefaultAdapter,
		Bus:             bus,
		Logger:          logger.WithComponent("learning"),
	})
	memory := cluster.NewRedisMemory(client)
	if err := loop.Load(ctx, memory); err != nil {
		logger.Warn("Could not load learning snapshot", map[string]interface{}{
			"error": err.Error(),
		})
	}

	store, err := cluster.NewRedisTaskStore(client, cfg.Node.KeyPrefix, logger.WithComponent("store"))
	if err != nil {
		return err
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.KeyPrefix = cfg.Node.KeyPrefix + "cache:"
	cacheCfg.Logger = logger.WithComponent("cache")
	if cfg.Cache.DefaultTTLMS > 0 {
		cacheCfg.DefaultTTL = cfg.cacheTTL()
	}
	resultCache, err := cache.NewRedisCache(client, cacheCfg)
	if err != nil {
		return err
	}

	breakerMetrics, err := telemetry.NewBreakerMetrics()
	if err != nil {
		return err
	}
	engineMetrics, err := telemetry.NewEngineMetrics()
	if err != nil {
		return err
	}

	breakerTemplate := resilience.DefaultCircuitBreakerConfig()
	breakerTemplate.Logger = logger.WithComponent("resilience")
	breakerTemplate.Metrics = breakerMetrics
	if cfg.Breaker.FailureThreshold > 0 {
		breakerTemplate.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	if cfg.Breaker.ResetTimeoutMS > 0 {
		breakerTemplate.ResetTimeout = cfg.resetTimeout()
	}
	if cfg.Breaker.HalfOpenSuccesses > 0 {
		breakerTemplate.HalfOpenSuccesses = cfg.Breaker.HalfOpenSuccesses
	}

	retryConfig := resilience.DefaultRetryConfig()
	retryConfig.Logger = logger.WithComponent("resilience")
	if cfg.Retry.MaxAttempts > 0 {
		retryConfig.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialDelayMS > 0 {
		retryConfig.InitialDelay = cfg.initialDelay()
	}
	if cfg.Retry.MaxDelayMS > 0 {
		retryConfig.MaxDelay = cfg.maxDelay()
	}

	router := routing.NewRouter(registry, &routing.RouterConfig{
		Hints:  loop,
		Logger: logger.WithComponent("routing"),
	})

	eng, err := engine.NewEngine(&engine.Config{
		Registry:  registry,
		Router:    router,
		Tasks:     store,
		Results:   store,
		Bus:       bus,
		Retry:     resilience.NewRetryManager(retryConfig),
		Breakers:  resilience.NewBreakerGroup(breakerTemplate),
		Validator: validation.NewValidator(&validation.Config{Logger: logger.WithComponent("validation")}),
		Cache:     resultCache,
		CacheTTLs: cacheCfg,
		Learning:  loop,
		Metrics:   engineMetrics,
		Logger:    logger.WithComponent("engine"),
	})
	if err != nil {
		return err
	}

	coordinator, err := cluster.NewCoordinator(&cluster.Config{
		Client:            client,
		Engine:            eng,
		Store:             store,
		NodeID:            cfg.Node.ID,
		KeyPrefix:         cfg.Node.KeyPrefix,
		HeartbeatInterval: cfg.heartbeatInterval(),
		PollInterval:      cfg.pollInterval(),
		MaxConcurrency:    cfg.Node.MaxConcurrency,
		Execution: engine.Options{
			Timeout:  time.Duration(cfg.Engine.DefaultTimeoutMS) * time.Millisecond,
			Validate: cfg.Engine.Validate,
			Cache:    cfg.Cache.Enabled,
		},
		Bus:    bus,
		Logger: logger.WithComponent("cluster"),
	})
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coordinator.Start(runCtx); err != nil {
		return err
	}
	logger.Info("Node running", map[string]interface{}{
		"node_id": coordinator.NodeID(),
		"version": version,
	})

	<-runCtx.Done()
	logger.Info("Shutting down", map[string]interface{}{
		"node_id": coordinator.NodeID(),
	})

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := coordinator.Stop(shutdownCtx); err != nil {
		logger.Error("Coordinator shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := loop.Persist(shutdownCtx, memory); err != nil {
		logger.Warn("Could not persist learning snapshot", map[string]interface{}{
			"error": err.Error(),
		})
	}
	bus.Drain()
	return nil
}

// buildAdapter constructs the configured adapter type. Only the echo
// back-end ships in-tree; real assistants register through the adapter
// contract from their own packages.
func buildAdapter(cfg AdapterConfig) (core.Adapter, error) {
	switch cfg.Type {
	case "", "echo":
		adapter := newEchoAdapter(cfg.ID)
		if len(cfg.Options) > 0 {
			if err := adapter.Configure(cfg.Options); err != nil {
				return nil, err
			}
		}
		return adapter, nil
	default:
		return nil, core.NewError(core.CodeInvalidRequest, "unknown adapter type: "+cfg.Type)
	}
}
