package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/threadcast/threadcast/internal/auth"
	"github.com/threadcast/threadcast/internal/breaker"
	"github.com/threadcast/threadcast/internal/bridge"
	"github.com/threadcast/threadcast/internal/compress"
	"github.com/threadcast/threadcast/internal/config"
	"github.com/threadcast/threadcast/internal/logger"
	"github.com/threadcast/threadcast/internal/memory"
	"github.com/threadcast/threadcast/internal/store"
	"github.com/threadcast/threadcast/internal/transport"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Threadcast home directory (default: ~/.threadcast)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("threadcast %s\n", Version)
		os.Exit(0)
	}

	if err := run(*dirFlag); err != nil {
		logger.Fatalf("threadcast: %v", err)
	}
}

// resolveHome determines the threadcast directory with precedence:
// 1. --dir flag, 2. THREADCAST_HOME env var, 3. ~/.threadcast
func resolveHome(dirFlag string) (string, error) {
	if dirFlag != "" {
		return dirFlag, nil
	}
	if env := os.Getenv("THREADCAST_HOME"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".threadcast"), nil
}

func run(dirFlag string) error {
	homeDir, err := resolveHome(dirFlag)
	if err != nil {
		return err
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		return err
	}

	logDir := cfg.LogDir
	if !filepath.IsAbs(logDir) {
		logDir = filepath.Join(homeDir, logDir)
	}
	if err := logger.Init(logDir); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()
	if err := logger.InitSlog(logDir, cfg.LogJSON); err != nil {
		return fmt.Errorf("failed to initialize structured logger: %w", err)
	}
	defer logger.CloseSlog()

	logger.Info("Threadcast %s starting (home: %s)", Version, homeDir)

	dataDir := cfg.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(homeDir, dataDir)
	}

	// Session store: an external collaborator from the bridge's point of
	// view, reached only through its circuit breaker. The standalone
	// deployment backs it with local SQLite.
	sessionStore, err := store.NewSQLiteStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer sessionStore.Close()

	validator, err := loadValidator(homeDir, cfg)
	if err != nil {
		return err
	}

	algorithm, err := compress.ParseAlgorithm(cfg.Compression.Algorithm)
	if err != nil {
		return err
	}
	codec := compress.NewCodec(compress.Config{
		Algorithm:          algorithm,
		MinSizeBytes:       cfg.Compression.MinSizeBytes,
		MaxCompressionTime: time.Duration(cfg.Compression.MaxCompressionTimeMs) * time.Millisecond,
		AutoSelect:         cfg.Compression.AutoSelectAlgorithm,
	})

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.CircuitBreaker.CooldownSeconds) * time.Second,
		MaxCooldown:      time.Duration(cfg.CircuitBreaker.MaxCooldownSeconds) * time.Second,
		CallTimeout:      time.Duration(cfg.CircuitBreaker.CallTimeoutMs) * time.Millisecond,
	})

	tracker := memory.NewTracker(cfg.Memory.BufferLimitBytes)

	eventBridge := bridge.New(sessionStore, breakers, bridge.Config{
		DrainGrace: cfg.DrainGrace(),
	})

	cleanupMgr := memory.NewCleanupManager(tracker, eventBridge, memory.CleanupConfig{
		Interval:         cfg.CleanupInterval(),
		MetricsRetention: cfg.MetricsRetention(),
	})
	if err := cleanupMgr.Start(); err != nil {
		return err
	}
	defer cleanupMgr.Stop()

	server := transport.NewServer(transport.Config{
		Address:         cfg.Server.Address,
		QueueSize:       cfg.Server.SendQueueSize,
		BufferLimit:     cfg.Memory.BufferLimitBytes,
		FramesPerSecond: cfg.Server.InboundFramesPerSecond,
		FrameBurst:      cfg.Server.InboundFrameBurst,
	}, validator, eventBridge, tracker, codec, breakers)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received %v, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	// Ordered shutdown: stop accepting connections, then close sessions,
	// then stop the sweep (deferred above).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Transport shutdown: %v", err)
	}
	eventBridge.Shutdown()

	logger.Info("Threadcast stopped")
	return nil
}

// loadValidator loads the static token validator. A missing token file is
// fatal: the server refuses to run unauthenticated.
func loadValidator(homeDir string, cfg config.Config) (auth.Validator, error) {
	tokenPath := cfg.Server.TokenFile
	if !filepath.IsAbs(tokenPath) {
		tokenPath = filepath.Join(homeDir, tokenPath)
	}
	validator, err := auth.LoadStaticValidator(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens from %s: %w", tokenPath, err)
	}
	return validator, nil
}
