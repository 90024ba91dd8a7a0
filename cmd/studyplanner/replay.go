package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattjoyce/studyplanner/internal/config"
	"github.com/mattjoyce/studyplanner/internal/render"
	"github.com/mattjoyce/studyplanner/internal/session"
	"github.com/mattjoyce/studyplanner/internal/storage"
	"github.com/mattjoyce/studyplanner/internal/store"
	"github.com/mattjoyce/studyplanner/internal/stream"
)

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	dbPath := fs.String("db", "", "audit database (overrides audit.path)")
	sessionID := fs.String("session", "", "replay every exchange of this session")
	limit := fs.Int("limit", 5, "number of recent exchanges when no id or session is given")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return fmt.Errorf("usage: studyplanner replay [--db <file>] [--session <id>] [--limit <n>] [exchange_id]")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *dbPath != "" {
		cfg.Audit.Path = *dbPath
	}
	if cfg.Audit.Path == "" {
		return fmt.Errorf("no audit database configured (set audit.path or --db)")
	}
	logger := newLogger(cfg.Service, os.Stderr)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer db.Close()

	exchanges := store.NewExchangeStore(db)
	var list []*store.Exchange
	switch {
	case fs.NArg() == 1:
		ex, err := exchanges.GetByID(ctx, fs.Arg(0))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("exchange %s not found", fs.Arg(0))
		}
		if err != nil {
			return err
		}
		list = []*store.Exchange{ex}
	case *sessionID != "":
		list, err = exchanges.ListBySession(ctx, *sessionID)
	default:
		list, err = exchanges.ListRecent(ctx, *limit)
		// Newest first from the store; print oldest first.
		for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
			list[i], list[j] = list[j], list[i]
		}
	}
	if err != nil {
		return err
	}

	ctrl := stream.NewController(session.New(cfg.Render.ViewportHeight), newBackendClient(cfg, logger), render.NewBuffer(), controllerOptions(cfg, nil), logger)
	return writeReplay(ctx, store.NewUnitStore(db), ctrl, list, cfg.Render.TaskSlots, os.Stdout)
}

// writeReplay prints each exchange on the historical render path. Task and
// feedback items found in stored transcripts rebuild the plan, which is
// printed last.
func writeReplay(ctx context.Context, units *store.UnitStore, ctrl *stream.Controller, list []*store.Exchange, taskSlots int, out io.Writer) error {
	for _, ex := range list {
		t, err := units.Transcript(ctx, ex.ID)
		if err != nil {
			return err
		}
		writeExchangeHeader(out, ex)
		buf := render.NewBuffer()
		ctrl.Replay(session.Message{Role: session.RoleAssistant, Transcript: t}, buf)
		fmt.Fprintln(out, buf.String())
		fmt.Fprintln(out)
	}
	if snap := ctrl.Snapshot(); len(snap.Tasks) > 0 {
		fmt.Fprintln(out, "== 학습 계획")
		printTasks(out, snap, taskSlots)
	}
	return nil
}

func writeExchangeHeader(w io.Writer, ex *store.Exchange) {
	fmt.Fprintf(w, "== %s  %s  session=%s  status=%s\n",
		ex.StartedAt.Local().Format("2006-01-02 15:04:05"), ex.ID, ex.SessionID, ex.Status)
	if ex.Error != nil {
		fmt.Fprintf(w, "   error: %s\n", *ex.Error)
	}
	fmt.Fprintf(w, "> %s\n\n", ex.Prompt)
}
