package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattjoyce/studyplanner/internal/config"
	"github.com/mattjoyce/studyplanner/internal/render"
	"github.com/mattjoyce/studyplanner/internal/session"
	"github.com/mattjoyce/studyplanner/internal/stream"
)

func runAsk(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	apiBase := fs.String("api", "", "backend base URL (overrides backend.base_url)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		return fmt.Errorf("usage: studyplanner ask [--config <file>] [--api <url>] <prompt>")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *apiBase != "" {
		cfg.Backend.BaseURL = *apiBase
	}
	logger := newLogger(cfg.Service, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec, closeRec, err := openRecorder(ctx, cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer closeRec()

	return ask(ctx, cfg, newBackendClient(cfg, logger), rec, prompt, os.Stdout, logger)
}

// ask streams one answer to out. A refresh owed by the stream is printed even
// when the stream fails, so task changes that arrived before the failure are
// shown.
func ask(ctx context.Context, cfg *config.Config, b stream.Backend, rec stream.Recorder, prompt string, out io.Writer, logger *slog.Logger) error {
	state := session.New(cfg.Render.ViewportHeight)
	ctrl := stream.NewController(state, b, render.NewWriter(out), controllerOptions(cfg, rec), logger)

	var refresh *session.Snapshot
	ctrl.Subscribe(func(sig stream.Signal) {
		if sig.Kind == stream.SignalRefresh {
			snap := sig.Snapshot
			refresh = &snap
		}
	})

	_, err := ctrl.Submit(ctx, prompt)
	if refresh != nil {
		fmt.Fprintln(out)
		printTasks(out, *refresh, cfg.Render.TaskSlots)
	}
	return err
}

// printTasks writes the task grid after a stream that changed it.
func printTasks(out io.Writer, snap session.Snapshot, capacity int) {
	grid := render.LayoutTaskGrid(snap.Tasks, snap.Feedback, capacity, discardLogger())
	for _, line := range gridLines(grid, -1) {
		fmt.Fprintln(out, line)
	}
}
