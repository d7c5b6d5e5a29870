// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/hector/pkg/config"
	"github.com/kadirpekel/hector/pkg/observability"
	"github.com/kadirpekel/hector/pkg/orchestrator/bridge"
	"github.com/kadirpekel/hector/pkg/orchestrator/bridgeadapter"
	"github.com/kadirpekel/hector/pkg/orchestrator/bus"
	"github.com/kadirpekel/hector/pkg/orchestrator/dag"
	"github.com/kadirpekel/hector/pkg/orchestrator/httpapi"
	"github.com/kadirpekel/hector/pkg/orchestrator/recovery"
	"github.com/kadirpekel/hector/pkg/orchestrator/store"
	"github.com/kadirpekel/hector/pkg/orchestrator/watchdog"
)

// OrchestratorCmd groups the terminal-orchestrator subcommands: run the
// live bus/bridge/workflow/watchdog/recovery stack, or exercise the
// recovery coordinator standalone.
type OrchestratorCmd struct {
	Run     OrchestratorRunCmd     `cmd:"" help:"Run the orchestrator: bus, per-agent bridges, workflow engine, and watchdog, with periodic recovery sweeps."`
	Health  OrchestratorHealthCmd  `cmd:"" help:"Print the orchestrator's health report and exit."`
	Recover OrchestratorRecoverCmd `cmd:"" help:"Run a single recovery sweep and exit."`
}

// orchestratorEnv bundles everything built from OrchestratorConfig that the
// three subcommands share.
type orchestratorEnv struct {
	store   store.Store
	bus     *bus.Bus
	engine  *dag.Engine
	watch   *watchdog.Watchdog
	coord   *recovery.Coordinator
	cleanup func()
}

func setupOrchestrator(ctx context.Context, cfg *config.Config, log *slog.Logger) (*orchestratorEnv, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("config has no orchestrator section")
	}
	oc := cfg.Orchestrator

	dbCfg, ok := cfg.Databases[oc.Database]
	if !ok {
		return nil, fmt.Errorf("orchestrator: database %q not found", oc.Database)
	}

	var metrics *observability.Metrics
	if cfg.Server.Observability != nil {
		m, err := observability.NewMetrics(&cfg.Server.Observability.Metrics)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: metrics: %w", err)
		}
		metrics = m
	}

	s, err := store.Open(ctx, dbCfg, log)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}

	b := bus.New(s,
		bus.WithLogger(log),
		bus.WithMetrics(metrics),
		bus.WithWorkers(oc.BusWorkers),
		bus.WithHistorySize(oc.BusHistorySize),
	)
	engine := dag.New(s, b, log)

	w := watchdog.New(func(agent string, age time.Duration) {
		log.Warn("agent heartbeat timed out", "agent", agent, "age", age)
		if metrics != nil {
			metrics.RecordWatchdogTimeout(agent)
		}
	}, watchdog.WithTickInterval(time.Duration(oc.Watchdog.TickIntervalMS)*time.Millisecond),
		watchdog.WithLogger(log),
		watchdog.WithMetrics(metrics))

	var cleanupFns []func()
	agents := make([]recovery.AgentConfig, 0, len(oc.Agents))
	for _, a := range oc.Agents {
		adapter, adapterCleanup, err := loadAdapter(a.AdapterPlugin, log)
		if err != nil {
			for _, c := range cleanupFns {
				c()
			}
			return nil, err
		}
		cleanupFns = append(cleanupFns, adapterCleanup)

		bridgeCfg := oc.Bridge
		if a.Bridge != nil {
			bridgeCfg = *a.Bridge
		}
		timeout := oc.Watchdog.DefaultTimeoutMS
		if a.WatchdogTimeoutMS != 0 {
			timeout = a.WatchdogTimeoutMS
		}
		w.SetTimeout(a.Agent, time.Duration(timeout)*time.Millisecond)

		agents = append(agents, recovery.AgentConfig{
			Agent:   a.Agent,
			Session: a.Session,
			Adapter: adapter,
			Bridge:  toBridgeConfig(bridgeCfg),
		})
	}

	var opts []recovery.Option
	opts = append(opts,
		recovery.WithStaleTaskThreshold(time.Duration(oc.Recovery.StaleTaskThresholdMS)*time.Millisecond),
		recovery.WithStaleExecutionThreshold(time.Duration(oc.Recovery.StaleExecutionThresholdMS)*time.Millisecond),
		recovery.WithLogger(log),
		recovery.WithMetrics(metrics),
	)
	if locker, err := buildLocker(oc.Recovery); err != nil {
		return nil, err
	} else if locker != nil {
		opts = append(opts, recovery.WithLocker(locker))
	}

	coord := recovery.New(s, b, engine, agents, opts...)

	cleanup := func() {
		for _, c := range cleanupFns {
			c()
		}
		_ = s.Close()
	}

	return &orchestratorEnv{store: s, bus: b, engine: engine, watch: w, coord: coord, cleanup: cleanup}, nil
}

// loadAdapter loads an external adapter plugin binary, or falls back to the
// in-memory fake when no plugin path is configured (smoke-testing the
// wiring without a real terminal session manager).
func loadAdapter(pluginPath string, log *slog.Logger) (bridgeadapter.Adapter, func(), error) {
	if pluginPath == "" {
		log.Warn("no adapter_plugin configured, using in-memory fake adapter")
		return bridgeadapter.NewFake(), func() {}, nil
	}
	adapter, cleanup, err := bridgeadapter.Load(pluginPath)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: load adapter plugin %s: %w", pluginPath, err)
	}
	return adapter, cleanup, nil
}

func toBridgeConfig(c config.BridgeConfig) bridge.Config {
	return bridge.Config{
		PollInterval:      time.Duration(c.PollIntervalMS) * time.Millisecond,
		SettleInterval:    time.Duration(c.SettleIntervalMS) * time.Millisecond,
		InterLinePause:    time.Duration(c.InterLinePauseMS) * time.Millisecond,
		StableSampleCount: c.StableSampleCount,
	}
}

func buildLocker(rc config.RecoveryConfig) (recovery.Locker, error) {
	switch rc.Locker {
	case "", "none":
		return nil, nil
	case "etcd":
		return nil, fmt.Errorf("orchestrator: recovery.locker \"etcd\" requires building an etcd client from recovery.locker_endpoints; wire recovery.NewEtcdLocker with your own clientv3.Client")
	case "zookeeper":
		return nil, fmt.Errorf("orchestrator: recovery.locker \"zookeeper\" requires an established zk.Conn; wire recovery.NewZKLocker with your own connection")
	default:
		return nil, fmt.Errorf("orchestrator: unknown recovery.locker %q", rc.Locker)
	}
}

// OrchestratorRunCmd starts the bus, brings up per-agent bridges, starts
// the watchdog, runs an initial recovery sweep, and then runs AutoRecover
// every RecoveryInterval until the process is signalled to stop.
type OrchestratorRunCmd struct {
	RecoveryInterval time.Duration `help:"How often to run a recovery sweep while running." default:"1m"`
}

func (c *OrchestratorRunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("orchestrator shutting down...")
		cancel()
	}()

	cfg, loader, err := loadOrchestratorConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	log := slog.Default().With("component", "orchestrator")
	env, err := setupOrchestrator(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer env.cleanup()

	if err := env.bus.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start bus: %w", err)
	}
	defer env.bus.Stop(context.Background())

	env.watch.Start()
	defer env.watch.Stop()

	if err := env.coord.Recover(ctx); err != nil {
		log.Error("initial recovery sweep failed", "error", err)
	}

	if cfg.Orchestrator.StatusAddr != "" {
		statusSrv := &http.Server{
			Addr:    cfg.Orchestrator.StatusAddr,
			Handler: httpapi.New(env.bus, env.coord),
		}
		go func() {
			log.Info("orchestrator status surface listening", "addr", cfg.Orchestrator.StatusAddr)
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("status surface failed", "error", err)
			}
		}()
		defer statusSrv.Shutdown(context.Background())
	}

	ticker := time.NewTicker(c.RecoveryInterval)
	defer ticker.Stop()

	log.Info("orchestrator running", "agents", len(cfg.Orchestrator.Agents))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := env.coord.AutoRecover(ctx); err != nil {
				log.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// OrchestratorHealthCmd prints a one-shot health report as JSON.
type OrchestratorHealthCmd struct{}

func (c *OrchestratorHealthCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, loader, err := loadOrchestratorConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	log := slog.Default().With("component", "orchestrator")
	env, err := setupOrchestrator(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer env.cleanup()

	report, err := env.coord.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: health check: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Healthy() {
		os.Exit(1)
	}
	return nil
}

// OrchestratorRecoverCmd runs one recovery sweep and exits.
type OrchestratorRecoverCmd struct{}

func (c *OrchestratorRecoverCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, loader, err := loadOrchestratorConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	log := slog.Default().With("component", "orchestrator")
	env, err := setupOrchestrator(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer env.cleanup()

	if err := env.coord.Recover(ctx); err != nil {
		return fmt.Errorf("orchestrator: recovery sweep: %w", err)
	}
	fmt.Println("recovery sweep complete")
	return nil
}

func loadOrchestratorConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("--config is required for orchestrator commands")
	}
	cfg, loader, err := config.LoadConfigFile(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Orchestrator == nil {
		return nil, nil, fmt.Errorf("config file has no orchestrator section")
	}
	return cfg, loader, nil
}
