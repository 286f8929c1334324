package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/homelabird/s3desk-telemetry/internal/apiclient"
	"github.com/homelabird/s3desk-telemetry/internal/config"
	"github.com/homelabird/s3desk-telemetry/internal/eventchannel"
	"github.com/homelabird/s3desk-telemetry/internal/logtail"
	"github.com/homelabird/s3desk-telemetry/internal/pkg/backoff"
	loggerpkg "github.com/homelabird/s3desk-telemetry/internal/pkg/logger"
	svcpkg "github.com/homelabird/s3desk-telemetry/internal/pkg/svc"
	"github.com/homelabird/s3desk-telemetry/internal/telemetry"
)

const (
	// ExitOk and ExitError are the exit codes.
	ExitOk = iota
	// ExitError is the exit code for errors.
	ExitError
)

var (
	// version is the service version.
	version string

	// name is the name of the service.
	name string
)

func main() {
	os.Exit(run())
}

func run() int {
	// Initialize the service information
	initSvcInfo()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	// Load the watcher configuration
	cfg, err := config.InitWatcherConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitError
	}

	ctx, logger := loggerpkg.Init(ctx)
	defer func() { _ = logger.Sync() }()

	client, err := apiclient.New(&apiclient.Config{
		BaseURL:        cfg.Server.BaseURL,
		APIToken:       cfg.Server.APIToken,
		ProfileID:      cfg.Server.ProfileID,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, nil, logger.Named("apiclient"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitError
	}

	tel := telemetry.New(&telemetry.Config{
		Channel: &eventchannel.Config{
			ConnectTimeout: cfg.Realtime.ConnectTimeout,
			ProbeInterval:  cfg.Realtime.ProbeInterval,
			Backoff:        realtimeBackoff(cfg),
		},
		Tail: &logtail.Config{
			PollBase:       cfg.LogTail.PollBase,
			PollMax:        cfg.LogTail.PollMax,
			PauseThreshold: cfg.LogTail.PauseThreshold,
			SnapshotBytes:  cfg.LogTail.SnapshotBytes,
			ChunkBytes:     cfg.LogTail.ChunkBytes,
		},
	}, client, logger)

	unsubscribe := subscribeLogging(ctx, tel, logger)
	defer unsubscribe()

	logger.Info(
		"starting telemetry watcher",
		zap.String("name", svcpkg.Info().GetName()),
		zap.String("version", svcpkg.Info().GetVersion()),
		zap.String("environment", cfg.Environment.Env),
		zap.String("base_url", cfg.Server.BaseURL),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tel.Run(gctx)
	})
	if cfg.Watch.JobID != "" {
		g.Go(func() error {
			return watchJobLog(gctx, tel, cfg.Watch.JobID, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		return ExitError
	}

	return ExitOk
}

// subscribeLogging surfaces pipeline state transitions as log lines: the
// connection indicator, list refreshes, and deleted jobs with open views.
func subscribeLogging(ctx context.Context, tel *telemetry.Telemetry, logger *zap.Logger) func() {
	unsubConn := tel.SubscribeConnectionState(func(s eventchannel.ConnectionState) {
		if s.Connected {
			logger.Info("realtime connected",
				zap.String("transport", s.Transport.String()),
				zap.Int64("last_seq", s.LastSeq),
			)
			return
		}
		logger.Warn("realtime disconnected", zap.Int("retry_count", s.RetryCount))
	})

	unsubStale := tel.SubscribeListStale(func() {
		jobs, _, err := tel.ListJobs(ctx, "")
		if err != nil {
			logger.Warn("job list refetch failed", zap.Error(err))
			return
		}
		logger.Info("job list refreshed", zap.Int("jobs", len(jobs)))
	})

	unsubClosed := tel.SubscribeViewClosed(func(n telemetry.DeletionNotice) {
		logger.Info("log view closed, job deleted",
			zap.String("job_id", n.JobID),
			zap.String("reason", n.Reason),
		)
	})

	return func() {
		unsubConn()
		unsubStale()
		unsubClosed()
	}
}

// watchJobLog tails one job's log to structured output until the context
// ends.
func watchJobLog(ctx context.Context, tel *telemetry.Telemetry, jobID string, logger *zap.Logger) error {
	unsubscribe, err := tel.SubscribeLines(ctx, jobID, func(lines []string) {
		for _, line := range lines {
			logger.Info("job log", zap.String("job_id", jobID), zap.String("line", line))
		}
	})
	if err != nil {
		return fmt.Errorf("open log view for job %s: %w", jobID, err)
	}
	defer unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}

func realtimeBackoff(cfg *config.WatcherConfig) backoff.Policy {
	return backoff.Policy{
		Base:   cfg.Realtime.BackoffBase,
		Max:    cfg.Realtime.BackoffMax,
		Jitter: cfg.Realtime.BackoffJitter,
	}
}

// initSvcInfo initializes the service information.
func initSvcInfo() {
	svcpkg.SetVersion(version)
	svcpkg.SetName(name)
}
