// Command amulet-ingest ingests the full historical and live update
// stream of a scan API into a partitioned, immutable parquet store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bstolman1/amulet-scan-port-sub014/config"
	"github.com/bstolman1/amulet-scan-port-sub014/cursor"
	"github.com/bstolman1/amulet-scan-port-sub014/ingest"
	"github.com/bstolman1/amulet-scan-port-sub014/metrics"
	"github.com/bstolman1/amulet-scan-port-sub014/scan"
	"github.com/bstolman1/amulet-scan-port-sub014/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting",
		zap.String("service", cfg.Service.Name),
		zap.String("environment", cfg.Service.Environment),
		zap.Int("sessions", len(cfg.Sessions)),
	)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("terminated", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := scan.NewClient(cfg.Scan, logger)
	if err != nil {
		return err
	}

	capture, err := storage.NewCapture(cfg.Capture, logger)
	if err != nil {
		return err
	}
	if capture != nil {
		defer capture.Close()
	}

	verifier := storage.NewVerifier(cfg.Storage.Root, 100*time.Millisecond, 30*time.Second, logger)

	m := metrics.New(cfg.Metrics)

	// One writer per session: Flush cuts every buffer the writer holds,
	// so a shared writer would let one session's confirm step flush
	// another session's unverified rows.
	sessions := make([]*ingest.Session, 0, len(cfg.Sessions))
	writers := make([]*storage.Writer, 0, len(cfg.Sessions))
	for _, spec := range cfg.Sessions {
		writer, err := storage.NewWriter(cfg.Storage, logger.With(zap.String("session", spec.Label())))
		if err != nil {
			return err
		}
		writers = append(writers, writer)

		s, err := ingest.NewSession(spec, cfg.Ingest, cfg.Cursor.Dir, ingest.SessionDeps{
			Fetcher:  client,
			Writer:   writer,
			Verifier: verifier,
			Capture:  capture,
			Metrics:  m,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		sessions = append(sessions, s)
	}

	if cfg.Metrics.Enabled {
		client.RetryHook = func() { m.FetchRetries.Inc() }

		srv := metrics.NewServer(cfg.Metrics, m, healthFunc(sessions), logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Stop()

		go publishWriterStats(ctx, writers, m)
	}

	// Each session owns its cursor and writer pool and walks
	// independently; nothing mutable is shared between them but the scan
	// client.
	var wg sync.WaitGroup
	errCh := make(chan error, len(sessions))
	for _, s := range sessions {
		wg.Add(1)
		go func(s *ingest.Session) {
			defer wg.Done()
			if err := s.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- err
				stop()
			}
		}(s)
	}
	wg.Wait()

	// Drain buffered records before reporting; an interrupted confirm
	// either finished or never persisted, so shutdown only needs the
	// writer pools to stop cleanly.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, writer := range writers {
		if err := writer.Shutdown(shutdownCtx); err != nil {
			logger.Error("writer shutdown failed", zap.Error(err))
		}
	}

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// publishWriterStats periodically exports the writer pools' counters,
// aggregated process-wide.
func publishWriterStats(ctx context.Context, writers []*storage.Writer, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastFiles int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var files, outstanding int64
			for _, w := range writers {
				f, _, _ := w.Stats()
				files += f
				outstanding += w.OutstandingJobs()
			}
			m.FilesWritten.Add(float64(files - lastFiles))
			lastFiles = files
			m.OutstandingJobs.Set(float64(outstanding))
		}
	}
}

// healthFunc builds the /health payload from live session cursors.
func healthFunc(sessions []*ingest.Session) metrics.HealthFunc {
	return func() any {
		type sessionStatus struct {
			Session             string    `json:"session"`
			Progress            float64   `json:"progress"`
			ConfirmedUpdates    int64     `json:"confirmed_updates"`
			ConfirmedEvents     int64     `json:"confirmed_events"`
			PendingUpdates      int64     `json:"pending_updates"`
			PendingEvents       int64     `json:"pending_events"`
			LastConfirmedBefore time.Time `json:"last_confirmed_before"`
			Complete            bool      `json:"complete"`
		}

		out := struct {
			Status   string          `json:"status"`
			Sessions []sessionStatus `json:"sessions"`
		}{Status: "healthy"}

		for _, s := range sessions {
			snap := s.Cursor().Snapshot()
			out.Sessions = append(out.Sessions, sessionStatus{
				Session:             cursor.Filename(snap.MigrationID, snap.SynchronizerID, snap.ShardIndex),
				Progress:            s.Progress(),
				ConfirmedUpdates:    snap.ConfirmedUpdates,
				ConfirmedEvents:     snap.ConfirmedEvents,
				PendingUpdates:      snap.PendingUpdates,
				PendingEvents:       snap.PendingEvents,
				LastConfirmedBefore: snap.LastConfirmedBefore,
				Complete:            snap.Complete,
			})
		}
		return out
	}
}

func buildLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
