// Command aura-server hosts the Story orchestration engine: it loads
// configuration and agent definitions, wires the Agent Registry, LLM
// client factory, Step Runner, Wave Scheduler, SSE bus, and Story State
// Machine together, and serves the HTTP/SSE transport. Flag-parsed
// entrypoint with signal-driven graceful shutdown, sized to this module's
// single long-running service shape.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aura/internal/agentregistry"
	"aura/internal/auraconfig"
	"aura/internal/llmclient"
	metrics "aura/internal/obsmetrics"
	"aura/internal/ssebus"
	"aura/internal/steprunner"
	"aura/internal/storydb"
	"aura/internal/storymachine"
	"aura/internal/wavesched"
	"aura/pkg/logx"
	querymetrics "aura/pkg/metrics"
	"aura/pkg/webui"
)

func main() {
	configPath := flag.String("config", "./aura.yaml", "Path to YAML configuration file")
	watchAgents := flag.Bool("watch-agents", true, "Hot-reload agent definitions on change")
	flag.Parse()

	logger := logx.NewLogger("aura-server")

	cfg, err := auraconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := storydb.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	loader := agentregistry.NewMarkdownLoader(cfg.AgentsDir)
	registry, err := agentregistry.New(loader, logx.NewLogger("agentregistry"))
	if err != nil {
		log.Fatalf("load agent registry: %v", err)
	}
	if *watchAgents {
		watcher := agentregistry.NewWatcher(registry, 10*time.Second)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go watcher.Start(ctx)
	}

	secrets := auraconfig.NewSecretStore()
	if passphrase := os.Getenv("AURA_PASSPHRASE"); passphrase != "" {
		salt, err := os.ReadFile(cfg.SecretsPath + ".salt")
		if err != nil {
			log.Fatalf("read secrets salt: %v", err)
		}
		key, err := auraconfig.DeriveKey(passphrase, salt)
		if err != nil {
			log.Fatalf("derive secrets key: %v", err)
		}
		if err := secrets.Load(cfg.SecretsPath, key); err != nil {
			log.Fatalf("load secrets: %v", err)
		}
	}

	recorder := metrics.NewPrometheusRecorder()
	clients := llmclient.NewFactory(llmclient.FactoryConfig{Recorder: recorder, Secrets: secrets})
	defer clients.Stop()

	bus := ssebus.New()
	runner := steprunner.New(registry, clients, db, bus)
	runner.SetReactDefaults(steprunner.ReactDefaults{
		MaxSteps:            cfg.ReAct.DefaultMaxSteps,
		ToolTimeout:         cfg.ReAct.ToolTimeout.Std(),
		StepWallBudget:      cfg.ReAct.PerStepWallBudget.Std(),
		ObservationCapBytes: cfg.ReAct.ObservationCapBytes,
	})
	gate := wavesched.NewDefaultGate([]string{"go", "build", "./..."}, []string{"go", "test", "./..."})
	scheduler := wavesched.New(db, runner, gate, bus, cfg.Scheduler.AutonomousRetryLimit)

	engine := storymachine.New(db, registry, clients, scheduler, runner, bus, nil)
	engine.SetHostConcurrency(runtime.NumCPU() * cfg.HostConcurrencyMultiplier)

	mux := http.NewServeMux()
	api := webui.NewServer(engine)
	if cfg.PrometheusURL != "" {
		query, err := querymetrics.NewQueryService(cfg.PrometheusURL)
		if err != nil {
			logger.Warn("metrics query service disabled: %v", err)
		} else {
			api.WithMetricsQuery(query)
		}
	}
	api.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed: %v", err)
	}
}
