package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattjoyce/studyplanner/internal/backend"
	"github.com/mattjoyce/studyplanner/internal/config"
	"github.com/mattjoyce/studyplanner/internal/mockapi"
	"github.com/mattjoyce/studyplanner/internal/storage"
	"github.com/mattjoyce/studyplanner/internal/store"
	"github.com/mattjoyce/studyplanner/internal/stream"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(os.Args[2:])
	case "ask":
		err = runAsk(os.Args[2:])
	case "replay":
		err = runReplay(os.Args[2:])
	case "mock-backend":
		err = runMockBackend(os.Args[2:])
	case "version":
		fmt.Printf("studyplanner %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: studyplanner <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  chat          Open the study planner chat TUI")
	fmt.Fprintln(os.Stderr, "  ask           Send one prompt and print the streamed answer")
	fmt.Fprintln(os.Stderr, "  replay        Print recorded exchanges from the audit log")
	fmt.Fprintln(os.Stderr, "  mock-backend  Serve scripted responses for local development")
	fmt.Fprintln(os.Stderr, "  version       Print version")
}

// newLogger builds the JSON logger for svc. Every record carries the
// service name.
func newLogger(svc config.ServiceConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch svc.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel}))
	if svc.Name != "" {
		logger = logger.With("service", svc.Name)
	}
	return logger
}

// openLogFile opens the log file the TUI writes to while it owns the
// terminal.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func newBackendClient(cfg *config.Config, logger *slog.Logger) *backend.Client {
	return backend.NewClient(cfg.Backend.BaseURL, backend.Options{
		RequestTimeout: cfg.Backend.RequestTimeout,
		UploadTimeout:  cfg.Backend.UploadTimeout,
	}, logger)
}

// openRecorder opens the audit log when one is configured. The returned
// close func is never nil.
func openRecorder(ctx context.Context, path string) (stream.Recorder, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return store.NewRecorder(db), func() { _ = db.Close() }, nil
}

func controllerOptions(cfg *config.Config, rec stream.Recorder) stream.Options {
	return stream.Options{
		ChatSlots: cfg.Render.ChatSlots,
		Timeout:   cfg.Backend.StreamTimeout,
		Recorder:  rec,
	}
}

func runMockBackend(args []string) error {
	fs := flag.NewFlagSet("mock-backend", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	listen := fs.String("listen", "", "listen address (overrides mock.listen)")
	scenarios := fs.String("scenarios", "", "scenario file (overrides mock.scenarios)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listen != "" {
		cfg.Mock.Listen = *listen
	}
	if *scenarios != "" {
		cfg.Mock.Scenarios = *scenarios
	}

	logger := newLogger(cfg.Service, os.Stdout)
	slog.SetDefault(logger)

	lib, err := mockapi.LoadLibrary(cfg.Mock.Scenarios)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mockapi.New(mockapi.Config{
		Listen:     cfg.Mock.Listen,
		TokenDelay: cfg.Mock.TokenDelay,
	}, lib, logger)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
