package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/eshop/gateway/internal/config"
	"github.com/eshop/gateway/internal/gateway"
	"github.com/eshop/gateway/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (defaults and environment when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("eshop gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	loader := config.NewLoader()
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = loader.Load(*configPath)
	} else {
		cfg, err = loader.LoadFromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	// Initialize structured logger
	rot := cfg.Logging.Rotation
	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    rot.MaxSize,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAge,
		Compress:   rot.Compress,
		LocalTime:  rot.LocalTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	os.Exit(run(cfg, *configPath, closer))
}

func run(cfg *config.Config, configPath string, closer io.Closer) int {
	defer func() {
		logging.Sync()
		if closer != nil {
			closer.Close()
		}
	}()

	logging.Info("Starting API Gateway",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("address", cfg.Server.Address),
		zap.Int("routes", len(cfg.Routes)),
	)

	server, err := gateway.NewServer(cfg)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logging.Error("Server error", zap.Error(err))
		return 1
	}
	return 0
}
