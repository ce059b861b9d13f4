package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agenttrace/agenttrace/internal/ai"
	"github.com/agenttrace/agenttrace/internal/api"
	"github.com/agenttrace/agenttrace/internal/auth"
	"github.com/agenttrace/agenttrace/internal/config"
	"github.com/agenttrace/agenttrace/internal/observability"
	"github.com/agenttrace/agenttrace/internal/store"
	"github.com/agenttrace/agenttrace/internal/version"
)

const defaultConfigPath = "agenttrace.yaml"

const otelShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute
const serverShutdownTimeout = 5 * time.Second

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 || args[0] != "validate" {
		fmt.Fprintln(errOut, "Usage:")
		fmt.Fprintln(errOut, "  agenttrace config validate [--config path/to/agenttrace.yaml]")
		return 2
	}

	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args[1:]); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		return 1
	}

	logger := slog.New(observability.NewSpanLogHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	var traceStore store.Store
	switch cfg.Storage.Driver {
	case "sqlite":
		sqliteStore, err := store.NewSQLiteStore(context.Background(), cfg.Storage.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize sqlite storage: %v\n", err)
			return 1
		}
		traceStore = sqliteStore
	case "postgres":
		postgresStore, err := store.NewPostgresStore(context.Background(), cfg.Storage.DSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize postgres storage: %v\n", err)
			return 1
		}
		traceStore = postgresStore
	default:
		fmt.Fprintf(os.Stderr, "unsupported storage.driver %q\n", cfg.Storage.Driver)
		return 1
	}
	defer func() {
		if err := traceStore.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	verifier, err := auth.NewVerifier(auth.Options{
		Enabled: cfg.Auth.Enabled,
		Keys:    authKeysFromConfig(cfg.Auth.Keys),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize auth config: %v\n", err)
		return 1
	}

	analyzer, err := ai.NewAnalyzer(ai.Options{
		APIKey:  cfg.AI.APIKey,
		Model:   cfg.AI.Model,
		BaseURL: cfg.AI.BaseURL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize ai analyzer: %v\n", err)
		return 1
	}

	handler := api.NewRouter(api.RouterOptions{
		AppVersion:     version.String(),
		Store:          traceStore,
		StorageDriver:  cfg.Storage.Driver,
		StoragePath:    cfg.Storage.Path,
		Verifier:       verifier,
		Analyzer:       analyzer,
		MaxUploadBytes: cfg.Uploads.MaxBytes,
		Runtime:        otelRuntime,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"config_path", *configPath,
		"auth_enabled", cfg.Auth.Enabled,
		"ai_enabled", analyzer.Enabled(),
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("backend stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("backend failed", "error", err)
			return 1
		}
		return 0
	}
}

func authKeysFromConfig(keys []config.AuthKeyConfig) []auth.KeyConfig {
	if len(keys) == 0 {
		return nil
	}

	out := make([]auth.KeyConfig, 0, len(keys))
	for _, key := range keys {
		out = append(out, auth.KeyConfig{
			UserID:    strings.TrimSpace(key.UserID),
			Email:     strings.TrimSpace(key.Email),
			Plan:      strings.TrimSpace(key.Plan),
			Token:     key.Token,
			TokenHash: key.TokenHash,
		})
	}
	return out
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  agenttrace serve [--config path/to/agenttrace.yaml]")
	fmt.Fprintln(out, "  agenttrace version")
	fmt.Fprintln(out, "  agenttrace config validate [--config path/to/agenttrace.yaml]")
}
