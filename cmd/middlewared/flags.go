package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

const defaultConfigPath = "/etc/middlewared/middlewared.yaml"

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
	PrintConfig     bool
}

// layerFlag collects repeated -config flags
type layerFlag []string

func (l *layerFlag) String() string { return fmt.Sprint(*l) }

func (l *layerFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	var layers layerFlag
	fs.Var(&layers, "config",
		"Configuration file, repeatable; later files override earlier ones (env: MIDDLEWARED_CONFIG)")
	fs.Var(&layers, "c", "Shorthand for -config")

	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("MIDDLEWARED_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error; overrides the file (env: MIDDLEWARED_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("MIDDLEWARED_LOG_FORMAT", ""),
		"Log format: json, text; overrides the file (env: MIDDLEWARED_LOG_FORMAT)")
	fs.BoolVar(&cfg.Debug, "debug", getEnvBool("MIDDLEWARED_DEBUG", false),
		"Enable debug logging (env: MIDDLEWARED_DEBUG)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("MIDDLEWARED_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: MIDDLEWARED_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.BoolVar(&cfg.PrintConfig, "print-config", false, "Print the merged configuration with secrets masked and exit")

	fs.Usage = func() { printDetailedHelp(fs) }
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ShowHelp {
		fs.Usage()
	}

	cfg.ConfigPaths = layers
	if len(cfg.ConfigPaths) == 0 {
		if env := os.Getenv("MIDDLEWARED_CONFIG"); env != "" {
			cfg.ConfigPaths = []string{env}
		} else if _, err := os.Stat(defaultConfigPath); err == nil {
			cfg.ConfigPaths = []string{defaultConfigPath}
		}
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}
	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - storage appliance management daemon

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a base file and a site override
  %s -config=/etc/middlewared/middlewared.yaml -config=/etc/middlewared/site.yaml

  # Run with debug logging
  %s -log-level=debug -log-format=text

  # Validate configuration only
  %s -validate

Signals:
  SIGHUP           reload configuration files; log settings apply immediately
  SIGINT, SIGTERM  graceful shutdown

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
