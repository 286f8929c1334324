// Package logtail polls the byte-range log endpoint for jobs with an open
// log view, assembles complete lines, and pauses polling after repeated
// failures until the caller retries explicitly.
package logtail

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/homelabird/s3desk-telemetry/internal/model"
	"github.com/homelabird/s3desk-telemetry/internal/pkg/backoff"
)

// ErrTailNotOpen is returned when an operation references a job without an
// open tail.
var ErrTailNotOpen = errors.New("log tail not open")

// ErrTailAlreadyOpen is returned when OpenTail is called twice for the same
// job.
var ErrTailAlreadyOpen = errors.New("log tail already open")

// Fetcher fetches log bytes from the server.
type Fetcher interface {
	// FetchLogRange fetches up to maxBytes starting at offset.
	FetchLogRange(ctx context.Context, jobID string, offset, maxBytes int64) (model.LogChunk, error)
	// FetchLogTail fetches the last tailBytes of the log.
	FetchLogTail(ctx context.Context, jobID string, tailBytes int64) (model.LogChunk, error)
}

// Config contains the polling policy.
type Config struct {
	// PollBase is the delay between successful polls.
	PollBase time.Duration
	// PollMax caps the delay growth between failed polls.
	PollMax time.Duration
	// PauseThreshold is the number of consecutive failures after which
	// polling stops until RetryPolling is called.
	PauseThreshold int
	// SnapshotBytes is the size of the initial tail fetch seeding a view.
	SnapshotBytes int64
	// ChunkBytes bounds each incremental fetch.
	ChunkBytes int64
}

// DefaultConfig returns the polling policy the dashboard ships with.
func DefaultConfig() *Config {
	return &Config{
		PollBase:       1500 * time.Millisecond,
		PollMax:        20 * time.Second,
		PauseThreshold: 3,
		SnapshotBytes:  256 * 1024,
		ChunkBytes:     128 * 1024,
	}
}

// PollState is the failure-tracking state of one open tail.
type PollState struct {
	ConsecutiveFailures int
	CurrentDelay        time.Duration
	Paused              bool
}

// tail is the per-job polling state. Guarded by the tailer mutex; at most one
// fetch is in flight per tail, so cursor updates are ordered.
type tail struct {
	jobID    string
	handler  func(lines []string)
	poll     PollState
	timer    *time.Timer
	ctx      context.Context
	cancel   context.CancelFunc
	seeded   bool
	inflight bool
	stopped  bool
}

// Tailer owns the cursors and poll schedules of all open log views.
type Tailer struct {
	cfg     *Config
	fetcher Fetcher
	logger  *zap.Logger
	delays  backoff.Policy

	mu      sync.Mutex
	cursors *CursorStore
	tails   map[string]*tail
}

// New creates a tailer. A nil cfg applies DefaultConfig.
func New(cfg *Config, fetcher Fetcher, logger *zap.Logger) *Tailer {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cp := *cfg
		cfg = &cp
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tailer{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger,
		delays:  backoff.Policy{Base: cfg.PollBase, Max: cfg.PollMax},
		cursors: NewCursorStore(),
		tails:   make(map[string]*tail),
	}
}

// OpenTail starts tailing the job's log: an initial snapshot of the last
// SnapshotBytes seeds the view, then incremental polling continues from the
// snapshot's next offset. The handler receives each batch of newly completed
// lines, in order; it is never called concurrently for the same job.
func (t *Tailer) OpenTail(ctx context.Context, jobID string, handler func(lines []string)) error {
	t.mu.Lock()
	if _, ok := t.tails[jobID]; ok {
		t.mu.Unlock()
		return ErrTailAlreadyOpen
	}

	tctx, cancel := context.WithCancel(ctx)
	tl := &tail{
		jobID:   jobID,
		handler: handler,
		poll:    PollState{CurrentDelay: t.cfg.PollBase},
		ctx:     tctx,
		cancel:  cancel,
	}
	t.tails[jobID] = tl
	t.cursors.Open(jobID)
	t.mu.Unlock()

	go t.poll(tl)
	return nil
}

// CloseTail stops polling and discards all state for the job. An in-flight
// fetch is canceled and its response, if any, is discarded. Closing a tail
// that is not open is a no-op.
func (t *Tailer) CloseTail(jobID string) {
	t.mu.Lock()
	tl, ok := t.tails[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	tl.stopped = true
	if tl.timer != nil {
		tl.timer.Stop()
		tl.timer = nil
	}
	delete(t.tails, jobID)
	t.cursors.Delete(jobID)
	t.mu.Unlock()

	tl.cancel()
}

// RemoveJobs closes the tails of the given jobs, typically because the
// server deleted them.
func (t *Tailer) RemoveJobs(jobIDs []string) {
	for _, id := range jobIDs {
		t.CloseTail(id)
	}
}

// RetryPolling clears the paused flag, resets the failure counter and delay,
// and triggers an immediate poll.
func (t *Tailer) RetryPolling(jobID string) error {
	t.mu.Lock()
	tl, ok := t.tails[jobID]
	if !ok {
		t.mu.Unlock()
		return ErrTailNotOpen
	}
	tl.poll.Paused = false
	tl.poll.ConsecutiveFailures = 0
	tl.poll.CurrentDelay = t.cfg.PollBase
	if tl.timer != nil {
		tl.timer.Stop()
		tl.timer = nil
	}
	t.mu.Unlock()

	go t.poll(tl)
	return nil
}

// State returns the poll state of the job's tail.
func (t *Tailer) State(jobID string) (PollState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl, ok := t.tails[jobID]
	if !ok {
		return PollState{}, false
	}
	return tl.poll, true
}

// Cursor returns a snapshot of the job's log cursor.
func (t *Tailer) Cursor(jobID string) (Cursor, bool) {
	return t.cursors.Get(jobID)
}

// Close stops all tails.
func (t *Tailer) Close() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.tails))
	for id := range t.tails {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	t.RemoveJobs(ids)
}

// poll performs one fetch for the tail and processes the result.
func (t *Tailer) poll(tl *tail) {
	t.mu.Lock()
	if tl.stopped || tl.inflight {
		t.mu.Unlock()
		return
	}
	tl.inflight = true
	seeded := tl.seeded
	offset := t.cursors.Offset(tl.jobID)
	t.mu.Unlock()

	var (
		chunk model.LogChunk
		err   error
	)
	if seeded {
		chunk, err = t.fetcher.FetchLogRange(tl.ctx, tl.jobID, offset, t.cfg.ChunkBytes)
	} else {
		chunk, err = t.fetcher.FetchLogTail(tl.ctx, tl.jobID, t.cfg.SnapshotBytes)
	}

	t.mu.Lock()
	tl.inflight = false
	if tl.stopped {
		t.mu.Unlock()
		return
	}

	if err != nil {
		if tl.ctx.Err() != nil {
			t.mu.Unlock()
			return
		}
		tl.poll.ConsecutiveFailures++
		tl.poll.CurrentDelay = t.delays.Delay(tl.poll.ConsecutiveFailures - 1)
		if tl.poll.ConsecutiveFailures >= t.cfg.PauseThreshold {
			tl.poll.Paused = true
			t.mu.Unlock()
			t.logger.Warn("log polling paused",
				zap.String("job_id", tl.jobID),
				zap.Int("consecutive_failures", t.cfg.PauseThreshold),
				zap.Error(err),
			)
			return
		}
		delay := tl.poll.CurrentDelay
		t.mu.Unlock()
		t.logger.Debug("log poll failed",
			zap.String("job_id", tl.jobID),
			zap.Error(err),
		)
		t.schedule(tl, delay)
		return
	}

	tl.poll.ConsecutiveFailures = 0
	tl.poll.CurrentDelay = t.cfg.PollBase
	tl.seeded = true
	lines, truncated := t.cursors.Advance(tl.jobID, chunk)
	handler := tl.handler
	t.mu.Unlock()

	if truncated {
		t.logger.Debug("log truncated, cursor reset",
			zap.String("job_id", tl.jobID),
			zap.Int64("next_offset", chunk.NextOffset),
		)
	}
	if len(lines) > 0 && handler != nil {
		handler(lines)
	}
	t.schedule(tl, t.cfg.PollBase)
}

// schedule arms the next poll unless the tail was stopped or paused in the
// meantime.
func (t *Tailer) schedule(tl *tail, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tl.stopped || tl.poll.Paused {
		return
	}
	tl.timer = time.AfterFunc(delay, func() {
		t.poll(tl)
	})
}
