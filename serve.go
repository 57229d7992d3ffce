package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/shadowgate/internal/cloud"
	"github.com/tonimelisma/shadowgate/internal/config"
	"github.com/tonimelisma/shadowgate/internal/ipc"
	"github.com/tonimelisma/shadowgate/internal/mqttconn"
	"github.com/tonimelisma/shadowgate/internal/pubsub"
	"github.com/tonimelisma/shadowgate/internal/ratelimit"
	"github.com/tonimelisma/shadowgate/internal/store"
	isync "github.com/tonimelisma/shadowgate/internal/sync"
	"github.com/tonimelisma/shadowgate/internal/tokenfile"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the shadow gateway daemon",
		Long: `Run the gateway: serve local shadow operations, publish notifications,
and keep configured shadows synchronized with the cloud shadow service.

Without a cloud endpoint the gateway runs local-only. Configuration edits
are picked up while running; cloud, MQTT, and storage settings need a
restart. Stop with SIGINT or SIGTERM; a second signal forces exit.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	config.WarnFallbacks(loadedConfig, logger)

	cleanup, err := writePIDFile(pidFilePath(loadedDataDir))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)
	holder := config.NewHolder(loadedConfig, loadedConfigPath)

	return runDaemon(ctx, holder, loadedDataDir, logger)
}

// daemon bundles the running subsystems the config reconciler adjusts.
type daemon struct {
	handlers *ipc.Handlers
	limiter  *ratelimit.Limiter

	// engine is nil when no cloud endpoint is configured.
	engine *isync.Engine

	logger *slog.Logger
}

// runDaemon assembles the gateway and blocks until ctx is canceled. The
// assembly order follows the dependency chain: store, pub-sub broker,
// handlers, then the sync stack, which consumes the handlers as its local
// mutation path and is attached back to them once built.
func runDaemon(ctx context.Context, holder *config.Holder, dataDir string, logger *slog.Logger) error {
	cfg := holder.Config()
	dbPath := config.DatabasePath(dataDir)

	st, err := store.Open(dbPath, store.Options{
		MaxDiskUtilizationMB: cfg.MaxDiskUtilizationMB,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening shadow store: %w", err)
	}
	defer st.Close()

	broker := pubsub.New(logger)
	defer broker.Close()

	limiter := ratelimit.New(
		cfg.RateLimits.MaxLocalRequestsPerSecondPerThing,
		cfg.RateLimits.MaxTotalLocalRequestRate,
		logger,
	)

	handlers, err := ipc.New(ipc.Options{
		Store:             st,
		Publisher:         broker,
		Limiter:           limiter,
		Logger:            logger,
		DocumentSizeLimit: cfg.DocumentSizeLimitBytes,
	})
	if err != nil {
		return fmt.Errorf("building request handlers: %w", err)
	}

	d := &daemon{handlers: handlers, limiter: limiter, logger: logger}

	var (
		eng  *isync.Engine
		conn *mqttconn.Conn
	)

	if cfg.Cloud.Endpoint == "" {
		logger.Info("no cloud endpoint configured, running local-only")
	} else {
		eng, conn, err = buildSyncStack(cfg, st, handlers, logger)
		if err != nil {
			return err
		}

		d.engine = eng
		handlers.SetSync(eng)
	}

	g, gctx := errgroup.WithContext(ctx)

	if conn != nil {
		conn.Bind(eng.OnConnect, eng.HandleMessage)

		g.Go(func() error {
			conn.Start(gctx)
			<-gctx.Done()
			conn.Stop()

			return nil
		})
	}

	if eng != nil {
		g.Go(func() error {
			eng.Start(gctx, cfg.SyncKeys())
			<-gctx.Done()
			eng.Stop(true)

			return nil
		})
	}

	g.Go(func() error {
		d.reconcileLoop(gctx, holder)

		return nil
	})

	logger.Info("shadowgate serving",
		slog.String("config", holder.Path()),
		slog.String("database", dbPath),
		slog.Int("synced_shadows", len(cfg.SyncKeys())),
	)

	err = g.Wait()

	logger.Info("shadowgate stopped")

	return err
}

// buildSyncStack constructs the cloud client, the optional MQTT session,
// and the sync engine. The MQTT connection is returned separately so the
// serve loop can manage its lifecycle; it is nil when no broker URL is
// configured, in which case the engine runs without inbound notifications
// and the periodic strategy does the catching up.
func buildSyncStack(
	cfg *config.Config, st *store.Store, handlers *ipc.Handlers, logger *slog.Logger,
) (*isync.Engine, *mqttconn.Conn, error) {
	var tokens cloud.TokenSource
	if cfg.Cloud.TokenFile != "" {
		tokens = tokenfile.NewSource(cfg.Cloud.TokenFile)
	}

	client := cloud.NewClient(cfg.Cloud.Endpoint, nil, tokens, cfg.CloudTimeout(), logger)

	direction, err := isync.ParseDirection(cfg.Synchronize.Direction)
	if err != nil {
		return nil, nil, fmt.Errorf("configuring sync: %w", err)
	}

	opts := isync.Options{
		Store:        st,
		Cloud:        client,
		Local:        handlers,
		Logger:       logger,
		Direction:    direction,
		Strategy:     strategyFromConfig(cfg),
		OutboundRate: cfg.Synchronize.MaxOutboundUpdatesPerSecond,
	}

	var conn *mqttconn.Conn

	if cfg.MQTT.BrokerURL == "" {
		logger.Info("no mqtt broker configured, cloud notifications disabled")
	} else {
		conn, err = mqttconn.New(mqttconn.Options{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			CAFile:    cfg.MQTT.CAFile,
			CertFile:  cfg.MQTT.CertFile,
			KeyFile:   cfg.MQTT.KeyFile,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("configuring mqtt session: %w", err)
		}

		opts.Connection = conn
	}

	eng, err := isync.New(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("configuring sync engine: %w", err)
	}

	return eng, conn, nil
}

// strategyFromConfig maps the validated config strings onto the engine's
// strategy type. Unknown types already produced a warning in WarnFallbacks
// and fall back to real-time dispatch.
func strategyFromConfig(cfg *config.Config) isync.Strategy {
	s := isync.Strategy{Type: isync.StrategyRealTime}

	if cfg.Strategy.Type == "periodic" {
		s.Type = isync.StrategyPeriodic
		s.Delay = time.Duration(cfg.Strategy.Delay) * time.Second
	}

	return s
}

// reconcileLoop applies configuration changes to the running daemon. Edits
// arrive through the file watcher; SIGHUP forces an explicit reload for
// deployments where the watcher cannot observe the config path.
func (d *daemon) reconcileLoop(ctx context.Context, holder *config.Holder) {
	updates, err := config.Watch(ctx, holder, d.logger)
	if err != nil {
		d.logger.Warn("config file watching disabled", slog.String("error", err.Error()))
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	previous := holder.Config()

	for {
		select {
		case <-ctx.Done():
			return

		case next, ok := <-updates:
			if !ok {
				// Watcher ended with the context; keep serving SIGHUP.
				updates = nil
				continue
			}

			d.apply(ctx, previous, next)
			previous = next

		case <-hup:
			next, err := config.Load(holder.Path())
			if err != nil {
				d.logger.Warn("ignoring SIGHUP reload that failed validation",
					slog.String("error", err.Error()),
				)

				continue
			}

			d.logger.Info("configuration reloaded on SIGHUP", slog.String("path", holder.Path()))
			holder.Update(next)
			d.apply(ctx, previous, next)
			previous = next
		}
	}
}

// apply pushes a new config snapshot into the running subsystems. Settings
// the daemon only reads at startup produce a restart warning instead.
func (d *daemon) apply(ctx context.Context, previous, next *config.Config) {
	config.WarnFallbacks(next, d.logger)

	d.handlers.SetLimits(next.DocumentSizeLimitBytes, 0)
	d.limiter.SetRates(
		next.RateLimits.MaxLocalRequestsPerSecondPerThing,
		next.RateLimits.MaxTotalLocalRequestRate,
	)

	if d.engine != nil {
		if direction, err := isync.ParseDirection(next.Synchronize.Direction); err == nil {
			d.engine.SetDirection(direction)
		}

		d.engine.SetStrategy(strategyFromConfig(next))
		d.engine.SetOutboundRate(next.Synchronize.MaxOutboundUpdatesPerSecond)
		d.engine.SetSyncSet(ctx, next.SyncKeys())
	}

	warnRestartOnly(previous, next, d.logger)
}

// warnRestartOnly reports reloaded settings the daemon cannot apply live.
func warnRestartOnly(previous, next *config.Config, logger *slog.Logger) {
	if previous.Cloud != next.Cloud {
		logger.Warn("cloud settings changed, restart to apply")
	}

	if previous.MQTT != next.MQTT {
		logger.Warn("mqtt settings changed, restart to apply")
	}

	if previous.MaxDiskUtilizationMB != next.MaxDiskUtilizationMB {
		logger.Warn("max_disk_utilization_mb changed, restart to apply")
	}

	if previous.Logging != next.Logging {
		logger.Warn("logging settings changed, restart to apply")
	}
}
