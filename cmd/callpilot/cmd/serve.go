package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kdimtricp/callpilot/internal/ai"
	"github.com/kdimtricp/callpilot/internal/api"
	"github.com/kdimtricp/callpilot/internal/config"
	"github.com/kdimtricp/callpilot/internal/database"
	"github.com/kdimtricp/callpilot/internal/dispatch"
	"github.com/kdimtricp/callpilot/internal/events"
	"github.com/kdimtricp/callpilot/internal/extract"
	"github.com/kdimtricp/callpilot/internal/logging"
	"github.com/kdimtricp/callpilot/internal/metrics"
	"github.com/kdimtricp/callpilot/internal/server"
	"github.com/kdimtricp/callpilot/internal/session"
	"github.com/kdimtricp/callpilot/internal/storage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device websocket server and the monitoring API",
	Long: `Starts the websocket endpoint devices connect to and the HTTP monitoring API.
When server.ws_addr and server.http_addr are equal both run on one listener,
with devices connecting to /ws.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log, os.Stderr)

	ocr, err := ai.NewRecognizer(&cfg.OCR, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OCR: %w", err)
	}
	if c, ok := ocr.(io.Closer); ok {
		defer c.Close()
	}

	var observers session.Multi
	app := &api.App{Logger: logger}

	if cfg.Metrics.Enabled {
		collector := metrics.New()
		observers = append(observers, collector)
		app.Metrics = collector.Handler()
	}

	sinks, cleanup, err := buildSinks(cfg, logger, app)
	if err != nil {
		return err
	}
	defer cleanup()

	var recorder *events.Recorder
	if len(sinks) > 0 {
		recorder = events.NewRecorder(logger, events.DefaultQueueSize, sinks...)
		observers = append(observers, recorder)
	}

	manager := session.NewManager(session.Deps{
		Detector:        cfg.Detector,
		Parser:          extract.NewParser(cfg.Extractor),
		OCR:             ocr,
		DefaultRules:    cfg.Filter,
		Strategy:        cfg.ControllerConfig(),
		FallbackPoints:  cfg.Strategy.FallbackPoints,
		DispatchTimeout: cfg.Dispatch.Timeout,
		HistorySize:     cfg.Dispatch.HistorySize,
		ExtraChannels:   extraChannels(cfg.Dispatch, logger),
		Observer:        observers,
		Logger:          logger,
	})
	app.Manager = manager

	wsServer := server.New(manager, server.Config{
		ReadLimitBytes: cfg.Server.ReadLimitBytes,
		WriteTimeout:   cfg.Server.WriteTimeout,
		PingInterval:   cfg.Server.PingInterval,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	shared := cfg.Server.WSAddr == cfg.Server.HTTPAddr
	if shared {
		app.Sessions = wsServer
	}

	servers := []*http.Server{{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.NewRouter(app, cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if !shared {
		servers = append(servers, &http.Server{
			Addr:              cfg.Server.WSAddr,
			Handler:           wsServer,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		if recorder != nil {
			recorder.Run(recorderCtx)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Hijacked websocket connections are not tracked by http.Server,
		// so sessions are torn down first.
		wsServer.Shutdown()
		manager.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("server shutdown failed", "addr", srv.Addr, "error", err)
			}
		}
		return nil
	})

	err = g.Wait()

	stopRecorder()
	<-recorderDone
	if recorder != nil && recorder.Dropped() > 0 {
		logger.Warn("decisions dropped while recording", "count", recorder.Dropped())
	}

	totals := manager.Totals()
	logger.Info("server stopped",
		"sessions", totals.SessionsOpened,
		"calls", totals.JobsSeen,
		"accepted", totals.Accepted,
		"earnings", totals.Earnings)
	return err
}

// buildSinks opens the configured decision sinks and exposes the queryable
// ones on app. cleanup closes whatever was opened.
func buildSinks(cfg *config.Config, logger hclog.Logger, app *api.App) ([]events.Sink, func(), error) {
	var sinks []events.Sink
	var closers []io.Closer
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("failed to close sink", "error", err)
			}
		}
	}

	if cfg.Journal.Path != "" {
		db, err := database.NewDB(cfg.Journal, logger)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to open journal: %w", err)
		}
		closers = append(closers, db)
		journal := database.NewJournal(db)
		sinks = append(sinks, journal)
		app.Journal = journal
		logger.Info("decision journal enabled", "path", cfg.Journal.Path)
	}

	if cfg.Snapshots.Dir != "" {
		store, err := storage.NewLocalStorage(cfg.Snapshots.Dir)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("failed to open snapshot dir: %w", err)
		}
		archive := storage.NewArchive(store)
		sinks = append(sinks, archive)
		app.Archive = archive
		logger.Info("snapshot archive enabled", "dir", cfg.Snapshots.Dir)
	}

	publisher, err := events.NewPublisher(cfg.Events, logger)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("failed to start publisher: %w", err)
	}
	if _, nop := publisher.(events.Nop); !nop {
		closers = append(closers, publisher)
		sinks = append(sinks, publisher)
	}

	return sinks, cleanup, nil
}

// extraChannels gives every session its own breaker per configured agent,
// so one device's dead agent doesn't trip another's.
func extraChannels(cfg config.DispatchConfig, logger hclog.Logger) func(string) []dispatch.Channel {
	if len(cfg.Channels) == 0 {
		return nil
	}
	return func(sessionID string) []dispatch.Channel {
		channels := make([]dispatch.Channel, 0, len(cfg.Channels))
		for _, ch := range cfg.Channels {
			inner := dispatch.NewHTTPChannel(ch.Name, ch.URL)
			channels = append(channels, dispatch.NewBreaker(inner, cfg.Breaker, logger.With("session", sessionID)))
		}
		return channels
	}
}
