// Package main is the entry point for msfailabd, the orchestration daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/containerctl"
	"github.com/sarnowski/msfailab/internal/docker"
	"github.com/sarnowski/msfailab/internal/events/bus"
	"github.com/sarnowski/msfailab/internal/llm"
	"github.com/sarnowski/msfailab/internal/persistence/database"
	"github.com/sarnowski/msfailab/internal/persistence/store"
	"github.com/sarnowski/msfailab/internal/rpcport"
	"github.com/sarnowski/msfailab/internal/supervisor"
	"github.com/sarnowski/msfailab/internal/track/shell"
)

var configPath string

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "msfailabd",
		Short: "msfailabd runs the collaborative security-research workbench orchestration core",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory searched first for config.yaml (then . and /etc/msfailab/)")
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

// serve wires every service together in the order grounded on the teacher's
// orchestrator main: config -> logger -> DB -> event bus -> Docker adapter +
// port allocator -> Container Controller registry -> Track Engine registry
// -> signal handling -> graceful shutdown.
func serve(ctx context.Context) error {
	// 1. Load configuration.
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadWithPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// 2. Initialize logger.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting msfailabd")

	// 3. Create a cancellable root context for every background goroutine.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 4. Connect to PostgreSQL and bootstrap the track persistence schema.
	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	log.Info("connected to PostgreSQL")

	trackStore := store.NewTrackStore(db)
	if err := trackStore.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}

	// 5. Connect the Event Bus (NATS if configured, in-memory otherwise).
	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer eventBus.Close()

	// 6. Build the Docker Adapter and Port Allocator.
	dockerAdapter, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}

	allocator, err := rpcport.NewAllocator(cfg.RPCPort.RangeStart, cfg.RPCPort.RangeEnd)
	if err != nil {
		return fmt.Errorf("build port allocator: %w", err)
	}

	// 7. Build the Container Controller registry. Controllers are created
	// lazily per ContainerRecord, each wired with its own RPC client once
	// the record's workspace/container identity is known to the caller
	// provisioning it (the provisioning surface itself is out of scope here
	// — see SPEC_FULL.md §1 "UI layer").
	containerRegistry := containerctl.NewRegistry(log)

	// 8. Build the LLM Provider: Anthropic when an API key is configured,
	// the static test provider otherwise (spec §4.D).
	provider, err := newLLMProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}

	// 9. Build the Track Engine registry. Engines are created lazily per
	// track, each bound to a Container Controller via containerRegistry, the
	// persistence layer, and provider built above.
	trackRegistry := shell.NewRegistry(log)

	d := &daemon{
		cfg:        cfg,
		log:        log,
		store:      trackStore,
		eventBus:   eventBus,
		dockerAPI:  dockerAdapter,
		allocator:  allocator,
		containers: containerRegistry,
		tracks:     trackRegistry,
		provider:   provider,
	}

	log.Info("msfailabd ready",
		zap.Int("rpc_port_range_start", cfg.RPCPort.RangeStart),
		zap.Int("rpc_port_range_end", cfg.RPCPort.RangeEnd),
	)

	// 10. Block until a shutdown signal arrives.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("shutting down msfailabd")

	// 11. Cancel the shared context, which every Track Engine and Container
	// Controller observes at once, then give the registries a bounded drain.
	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	drainRegistries(drainCtx, log, d.tracks, d.containers)

	log.Info("msfailabd stopped")
	return nil
}

// newEventBus selects the NATS-backed Event Bus when a URL is configured,
// falling back to the in-memory bus for single-process/dev use (spec §4.A:
// "a distributed backend is a deployment choice, not a protocol change").
func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	var eb bus.EventBus
	if cfg.NATS.URL == "" {
		log.Info("using in-memory event bus (nats.url not configured)")
		eb = bus.NewMemoryEventBus(log)
	} else {
		connected, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, err
		}
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
		eb = connected
	}
	if cfg.Events.Namespace != "" {
		log.Info("namespacing event bus subjects", zap.String("namespace", cfg.Events.Namespace))
	}
	return bus.WithNamespace(eb, cfg.Events.Namespace), nil
}

// newLLMProvider selects AnthropicProvider when an API key is configured,
// falling back to the static provider otherwise. The static provider has no
// scripted responses wired here; it exists for local/dev runs where no
// model calls are expected to succeed.
func newLLMProvider(cfg config.LLMConfig) (llm.Provider, error) {
	if cfg.APIKey == "" {
		return llm.NewStaticProvider(nil), nil
	}
	return llm.NewAnthropicProvider(llm.AnthropicConfig{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay(),
		MaxTokens:  int64(cfg.MaxTokens),
	})
}

// drainRegistries polls until both registries are empty, for at most four
// supervisor base backoffs or until ctx is done. It does not wait on the Run
// loops themselves, and nothing in shutdown removes registry entries.
func drainRegistries(ctx context.Context, log *logger.Logger, tracks *shell.Registry, containers *containerctl.Registry) {
	deadline := time.Now().Add(supervisor.DefaultOptions().BaseBackoff * 4)
	for time.Now().Before(deadline) {
		if len(tracks.All()) == 0 && len(containers.All()) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			log.Warn("drain deadline exceeded, forcing shutdown")
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
