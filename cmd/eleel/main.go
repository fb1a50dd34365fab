// Command eleel multiplexes a single controller execution engine's Engine
// API responses out to any number of follower consensus clients, so a
// validator's follower nodes track the controller's head without each
// running their own independent execution engine.
//
// Usage:
//
//	eleel --config /path/to/eleel.toml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sigp/eleel/internal/auth"
	"github.com/sigp/eleel/internal/builder"
	"github.com/sigp/eleel/internal/cache"
	"github.com/sigp/eleel/internal/config"
	"github.com/sigp/eleel/internal/engineclient"
	"github.com/sigp/eleel/internal/httpapi"
	"github.com/sigp/eleel/internal/matcher"
	"github.com/sigp/eleel/internal/metrics"
	"github.com/sigp/eleel/internal/router"
	"github.com/sigp/eleel/internal/waiter"
)

var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. It accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	fs := flag.NewFlagSet("eleel", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the eleel TOML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if *showVersion {
		fmt.Printf("eleel %s (commit %s)\n", version, commit)
		return 0
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	setupLogging(cfg.LogLevel)

	log.Info("starting eleel",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
		"controller_url", cfg.Controller.URL,
		"consistency_mode", cfg.ConsistencyMode,
		"secrets", len(cfg.Secrets),
	)

	if err := start(cfg); err != nil {
		log.Error("fatal startup error", "err", err)
		return 1
	}
	log.Info("shutdown complete")
	return 0
}

// start wires every component from the resolved config, serves until a
// shutdown signal arrives, then drains in-flight requests.
func start(cfg config.Config) error {
	ctx := context.Background()

	controllerSecret, err := cfg.ControllerSecret()
	if err != nil {
		return err
	}
	engine, err := engineclient.Dial(ctx, cfg.Controller.URL, controllerSecret, cfg.Controller.KeyID)
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer engine.Close()

	hub := waiter.NewHub()

	newPayloads, err := cache.NewPayloadCache(cfg.Cache.NewPayloadCapacity, hub)
	if err != nil {
		return fmt.Errorf("new payload cache: %w", err)
	}
	fcu, err := cache.NewForkchoiceCache(cfg.Cache.ForkchoiceCapacity, cfg.Cache.JustifiedCapacity, cfg.Cache.FinalizedCapacity, hub)
	if err != nil {
		return fmt.Errorf("forkchoice cache: %w", err)
	}

	match := matcher.New(matcher.ParseMode(cfg.ConsistencyMode), fcu)
	build := builder.New(cfg.Builder.Capacity, cfg.Builder.ExtraData)
	heads := &cache.HeadNumbers{}

	if n, _, err := engine.HeadBlockNumber(ctx); err != nil {
		log.Warn("could not seed head block number from controller at startup", "err", err)
	} else {
		heads.Observe(n)
	}

	timing := router.Timing{
		NewPayloadWait:       time.Duration(cfg.Timing.NewPayloadWaitMillis) * time.Millisecond,
		ForkchoiceWait:       time.Duration(cfg.Timing.ForkchoiceWaitMillis) * time.Millisecond,
		NewPayloadWaitCutoff: cfg.Timing.NewPayloadWaitCutoff,
	}
	rt := router.New(engine, newPayloads, fcu, hub, match, build, heads, timing)

	secrets, err := cfg.AuthSecrets()
	if err != nil {
		return err
	}
	verify := auth.NewVerifier(secrets)

	api := httpapi.New(verify, rt, cfg.BodyLimitBytes())
	metricsSrv := metrics.NewServer()

	errCh := make(chan error, 2)
	go func() {
		if err := api.Start(cfg.ListenAddr); err != nil {
			errCh <- fmt.Errorf("httpapi: %w", err)
		}
	}()
	go func() {
		if err := metricsSrv.Start(cfg.MetricsAddr); err != nil {
			errCh <- fmt.Errorf("metrics: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		log.Error("a server failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("httpapi shutdown error", "err", err)
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Error("metrics shutdown error", "err", err)
	}
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "trace":
		lvl = log.LevelTrace
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error", "crit":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
}
