// Package main runs middlewared, the RPC dispatcher and event bus of the
// storage appliance.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/truenas/middlewared/config"
	"github.com/truenas/middlewared/middleware"
)

// Build information, set with -ldflags
var (
	Version   = "dev"
	BuildTime = "dev"
)

const appName = "middlewared"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Middleware failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	loader := config.NewLoader()
	for _, path := range cliCfg.ConfigPaths {
		loader.AddLayer(path)
	}
	cfg, err := loadConfig(loader, cliCfg)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		fmt.Println("Configuration is valid")
		return nil
	}
	if cliCfg.PrintConfig {
		fmt.Print(cfg.String())
		return nil
	}

	levelVar := new(slog.LevelVar)
	logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format, levelVar)
	slog.SetDefault(logger)
	logger.Info("Starting middlewared",
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths)

	rt, err := middleware.New(cfg, middleware.WithLogger(logger), middleware.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.Boot(ctx); err != nil {
		_ = rt.Shutdown(cliCfg.ShutdownTimeout)
		return fmt.Errorf("boot: %w", err)
	}

	configManager := config.NewManager(cfg, loader, logger)
	defer configManager.Stop()
	go watchReloads(ctx, configManager, cliCfg, levelVar, logger)

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	start := time.Now()
	if err := rt.Shutdown(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("Middlewared shutdown complete", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// loadConfig merges the layers and applies the command line overrides
func loadConfig(loader *config.Loader, cliCfg *CLIConfig) (*config.Config, error) {
	loader.EnableValidation(false)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(cfg, cliCfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, cliCfg *CLIConfig) {
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
}

// watchReloads re-reads the configuration on SIGHUP. Log levels apply at
// once; other sections are read at the next start.
func watchReloads(ctx context.Context, cm *config.Manager, cliCfg *CLIConfig, levelVar *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		logger.Info("Reloading configuration")
		changed, err := cm.Reload()
		if err != nil {
			logger.Error("Configuration reload failed; keeping the running configuration", "error", err)
			continue
		}
		for _, section := range changed {
			if section != "log" {
				logger.Warn("Configuration section changed; restart to apply", "section", section)
				continue
			}
			if cliCfg.LogLevel != "" {
				continue
			}
			level := parseLevel(cm.Config().Get().Log.Level)
			levelVar.Set(level)
			logger.Info("Log level changed", "level", level.String())
		}
	}
}
