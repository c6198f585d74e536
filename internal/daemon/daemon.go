// Package daemon wires the engine together: logging, config, vault, tracing,
// cache, backend, speculative executor, correction loop, scheduler,
// dispatcher, and the HTTP/stdio shells. It owns process lifecycle:
// PID file, signals, and ordered shutdown.
package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/backend"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/cache"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/config"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/correction"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/dispatch"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/metrics"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/queue"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/rpc"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/server"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/speculative"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/tracing"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/vault"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/version"
)

// Mode selects which shells a Run invocation serves.
type Mode int

const (
	// ModeServe runs the HTTP surface as a daemon.
	ModeServe Mode = iota
	// ModeStdio runs the stdio JSON-RPC shell in the foreground (the HTTP
	// surface is also served for observability).
	ModeStdio
)

// Run initialises all subsystems, starts the requested shells, and blocks
// until a shutdown signal is received (or stdin closes in stdio mode).
func Run(cfg *config.Config, mode Mode, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := cfg.Server.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	zerolog.SetGlobalLevel(logLevel)

	writers := []io.Writer{}

	// Always log to file. On ModeServe the console (stdout) is added only in
	// foreground; in stdio mode stdout is the wire, so console logs go to stderr.
	logPath := filepath.Join(dataDir, "hydra.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	if foreground && mode == ModeServe {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
		writers = append(writers, consoleWriter)
	} else if mode == ModeStdio {
		// Diagnostics go to stderr so stdout stays a clean reply stream.
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "hydra").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Str("backend", cfg.Backend.Host).
		Msg("hydra starting")

	// 2. Check if already running (daemon mode only).
	if mode == ModeServe {
		if IsRunning(dataDir) {
			return fmt.Errorf("hydra is already running (PID file exists at %s)", pidPath(dataDir))
		}
		if err := WritePID(dataDir); err != nil {
			return fmt.Errorf("writing PID file: %w", err)
		}
		defer func() {
			if err := RemovePID(dataDir); err != nil {
				log.Error().Err(err).Msg("failed to remove PID file")
			}
		}()
	}

	// 3. Tracing.
	if cfg.Tracing.Enabled {
		shutdownTracer, err := tracing.Init(
			context.Background(),
			cfg.Tracing.ServiceName,
			version.Version,
			cfg.Tracing.Exporter,
			cfg.Tracing.Endpoint,
			cfg.Tracing.SampleRate,
			cfg.Tracing.Insecure,
		)
		if err != nil {
			log.Warn().Err(err).Msg("tracing init failed; continuing without tracing")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracer(ctx); err != nil {
					log.Warn().Err(err).Msg("tracer shutdown error")
				}
			}()
			log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("tracing initialized")
		}
	}

	// 4. Config watcher: hot-reload the log level.
	if configFile := config.ConfigFilePath(); configFile != "" {
		if w, watchErr := config.Watch(configFile); watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			defer w.Close()
			w.OnChange(func(old, newCfg *config.Config) {
				log.Info().Msg("configuration reloaded")
				zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 5. Resolve the cache encryption key.
	var encryptionKey []byte
	if cfg.Cache.EncryptionKey != "" {
		v := vault.New()
		keyMaterial, err := v.ResolveKeyRef(cfg.Cache.EncryptionKey)
		if err != nil {
			return fmt.Errorf("resolving cache encryption key: %w", err)
		}
		encryptionKey, err = cache.ParseKey(keyMaterial)
		if err != nil {
			return fmt.Errorf("parsing cache encryption key: %w", err)
		}
	}

	// 6. Build the engine components (leaves first).
	client := backend.NewClient(
		cfg.Backend.Host,
		cfg.Backend.RequestTimeoutDuration(),
		cfg.Backend.HealthTimeoutDuration(),
		cfg.Backend.Temperature,
		cfg.Backend.MaxTokens,
		log.Logger,
	)

	store, err := cache.New(cache.Options{
		Enabled:          cfg.Cache.Enabled,
		Dir:              cfg.Cache.Dir,
		TTL:              cfg.Cache.TTL(),
		MaxMemoryEntries: cfg.Cache.MaxMemoryEntries,
		MaxMemoryBytes:   int64(cfg.Cache.MaxMemoryMB) << 20,
		CleanupInterval:  cfg.Cache.CleanupInterval(),
		PersistToDisk:    cfg.Cache.PersistToDisk,
		EncryptionKey:    encryptionKey,
		MinResponseLen:   cfg.Cache.MinResponseLen,
		WriteDebounce:    cfg.Cache.WriteDebounce(),
		WarmOnStart:      cfg.Cache.WarmOnStart,
	}, log.Logger)
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}

	exec := speculative.New(client, nil, cfg.Speculative.Budget(), log.Logger)
	loop := correction.New(client, cfg.Correction.MaxAttempts, log.Logger)

	sched := queue.New(queue.Config{
		MaxConcurrent:   cfg.Queue.MaxConcurrent,
		MaxRetries:      cfg.Queue.MaxRetries,
		ItemTimeout:     cfg.Queue.ItemTimeout(),
		RetryBase:       cfg.Queue.RetryBase(),
		RetryMax:        cfg.Queue.RetryMax(),
		RetryJitter:     cfg.Queue.RetryJitter,
		BucketCapacity:  cfg.Queue.BucketCapacity,
		BucketRefill:    cfg.Queue.BucketRefill,
		StatusListLimit: cfg.Queue.StatusListLimit,
	}, log.Logger)

	collector := metrics.NewCollector()
	dispatcher := dispatch.New(cfg, client, store, exec, loop, sched, collector, log.Logger)

	// Log queue lifecycle transitions.
	sched.Subscribe(func(ev queue.Event) {
		log.Debug().
			Str("event", string(ev.Type)).
			Int64("id", ev.Item.ID).
			Int("attempts", ev.Item.Attempts).
			Msg("queue event")
	})

	// 7. Start the cache sweeper.
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	sweeperDone := store.StartSweeper(sweepCtx)

	// 8. Start the HTTP surface.
	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	srv := server.New(
		dispatcher,
		metrics.PrometheusHandler(collector, sched, store),
		addr,
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second,
		time.Duration(cfg.Server.IdleTimeout)*time.Second,
		cfg.Tracing.Enabled,
		log.Logger,
	)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", addr).Msg("http surface starting")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// 9. In stdio mode, serve the JSON-RPC shell until stdin closes.
	stdioDone := make(chan error, 1)
	stdioCtx, stdioCancel := context.WithCancel(context.Background())
	defer stdioCancel()
	if mode == ModeStdio {
		shell := rpc.New(dispatcher, os.Stdin, os.Stdout, log.Logger)
		go func() {
			stdioDone <- shell.Run(stdioCtx)
		}()
		log.Info().Msg("stdio shell serving")
	}

	log.Info().Int("port", cfg.Server.Port).Msg("hydra is ready")
	if foreground && mode == ModeServe {
		fmt.Printf("\n  HYDRA is running!\n")
		fmt.Printf("  RPC surface: http://%s/rpc/{operation}\n", addr)
		fmt.Printf("  Status:      http://%s/status\n\n", addr)
	}

	// 10. Wait for shutdown signal, stdin EOF, or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-stdioDone:
		if err != nil {
			log.Error().Err(err).Msg("stdio shell error")
		} else {
			log.Info().Msg("stdin closed")
		}
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	// 11. Graceful shutdown in dependency order: servers, scheduler, cache.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down...")

	stdioCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	sched.Shutdown()

	sweepCancel()
	<-sweeperDone
	store.Flush()

	log.Info().Msg("hydra stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := config.Get().Server.DataDir

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("hydra does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("hydra is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to hydra (PID %d)\n", pid)

	// Wait briefly for the process to exit.
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}
	return fmt.Errorf("hydra (PID %d) did not exit within 3 seconds", pid)
}

// Status checks if the daemon is running and prints a summary fetched from
// the HTTP surface.
func Status() error {
	cfg := config.Get()
	dataDir := cfg.Server.DataDir

	if !IsRunning(dataDir) {
		fmt.Println("hydra is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("hydra is running (PID %d)\n", pid)

	statusURL := fmt.Sprintf("http://%s:%d/status", cfg.Server.BindAddress, cfg.Server.Port)
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(statusURL)
	if err != nil {
		fmt.Println("  (status endpoint unreachable)")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}
	fmt.Println(string(body))
	return nil
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
