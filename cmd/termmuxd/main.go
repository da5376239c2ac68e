package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/termmux/termmux/internal/config"
	"github.com/termmux/termmux/internal/persist"
	"github.com/termmux/termmux/internal/server"
	"github.com/termmux/termmux/internal/session"
	"github.com/termmux/termmux/internal/storage"
	"github.com/termmux/termmux/internal/supervisor"
	"github.com/termmux/termmux/internal/terminal"
)

// version and build are injected at link time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.build=$(git rev-parse --short HEAD)"
var (
	version = "dev"
	build   = "unknown"
)

func main() {
	defaults := config.DefaultConfig()

	app := &cli.App{
		Name:    "termmuxd",
		Usage:   "workspace terminal multiplexing daemon",
		Version: fmt.Sprintf("%s (%s)", version, build),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: defaults.ListenAddr,
			},
			&cli.StringFlag{
				Name:  "db-path",
				Usage: "Path of the SQLite database for session persistence.",
				Value: defaults.DBPath,
			},
			&cli.StringFlag{
				Name:  "helper",
				Usage: "Command spawned as the per-workspace child process.",
				Value: defaults.HelperCommand,
			},
			&cli.StringSliceFlag{
				Name:  "startup-command",
				Usage: "Command to run on a workspace's first spawn. Repeatable.",
			},
			&cli.IntFlag{
				Name:  "max-buffer-bytes",
				Usage: "Retained output byte cap per workspace.",
				Value: defaults.MaxBufferBytes,
			},
			&cli.IntFlag{
				Name:  "max-history-lines",
				Usage: "Retained output line cap per workspace.",
				Value: defaults.MaxHistoryLines,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.DefaultConfig()
	cfg.ListenAddr = c.String("listen-addr")
	cfg.DBPath = c.String("db-path")
	cfg.HelperCommand = c.String("helper")
	cfg.StartupCommands = c.StringSlice("startup-command")
	cfg.MaxBufferBytes = c.Int("max-buffer-bytes")
	cfg.MaxHistoryLines = c.Int("max-history-lines")

	logger, err := buildLogger(c.Bool("debug"))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("creating db directory: %w", err)
	}
	db, err := storage.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	ps := persist.NewService(log.Named("persist"), db)
	sessions := session.NewSessions(log.Named("buffer"), session.Limits{
		MaxBufferBytes:  cfg.MaxBufferBytes,
		MaxHistoryLines: cfg.MaxHistoryLines,
		TrimRatio:       cfg.TrimRatio,
		FlushBytes:      cfg.FlushBytes,
		MaxHold:         cfg.MaxHold,
		CoalesceWindow:  cfg.CoalesceWindow,
	})
	sup := supervisor.New(log.Named("supervisor"), sessions, supervisor.Options{
		TermGrace:     cfg.TermGrace,
		KillGrace:     cfg.KillGrace,
		HighWaterMark: cfg.HighWaterMark,
	})
	ctl := terminal.New(log.Named("terminal"), sup, sessions, ps, supervisor.Spec{
		Command:         cfg.HelperCommand,
		Args:            cfg.HelperArgs,
		StartupCommands: cfg.StartupCommands,
	}, cfg.InputChunk)

	srv := &server.Server{
		Log:     log.Named("server"),
		Ctl:     ctl,
		Version: version,
		Build:   build,
	}
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Infow("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("http server failed", "error", err)
		}
	}()

	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warnw("http shutdown error", "error", err)
	}
	if err := ctl.Shutdown(ctx); err != nil {
		log.Warnw("controller shutdown error", "error", err)
	}
	if err := db.Close(); err != nil {
		log.Warnw("db close error", "error", err)
	}
	log.Info("stopped")
	return nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
