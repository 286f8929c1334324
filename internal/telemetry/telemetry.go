// Package telemetry is the surface the dashboard layer uses for live job
// state: it owns one event channel, one log tailer and one job projector,
// routes pushed events between them, and fans results out to subscribers.
package telemetry

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/homelabird/s3desk-telemetry/internal/apiclient"
	"github.com/homelabird/s3desk-telemetry/internal/eventchannel"
	"github.com/homelabird/s3desk-telemetry/internal/logtail"
	"github.com/homelabird/s3desk-telemetry/internal/model"
	"github.com/homelabird/s3desk-telemetry/internal/projector"
)

// DeletionNotice reports that a job with an open log view was deleted on the
// server, so the view should close.
type DeletionNotice struct {
	JobID  string
	Reason string
}

// Config contains the configuration for the pipeline.
type Config struct {
	// Channel is the realtime channel timing; URL fields are filled in by
	// the facade from the API client.
	Channel *eventchannel.Config
	// Tail is the log polling policy; nil applies the default.
	Tail *logtail.Config
	// PageSize is the job list page size.
	PageSize int
}

// Telemetry wires the pipeline together. Construct with New, start with Run,
// and stop by canceling Run's context or calling Close.
type Telemetry struct {
	logger    *zap.Logger
	client    *apiclient.Client
	channel   *eventchannel.Channel
	tailer    *logtail.Tailer
	projector *projector.Projector

	mu        sync.Mutex
	connSubs  map[string]func(eventchannel.ConnectionState)
	staleSubs map[string]func()
	closeSubs map[string]func(DeletionNotice)
	lineSubs  map[string]map[string]func(lines []string)
	closed    bool
}

// New creates the pipeline around an API client.
func New(cfg *Config, client *apiclient.Client, logger *zap.Logger) *Telemetry {
	if logger == nil {
		logger = zap.NewNop()
	}

	chCfg := eventchannel.DefaultConfig()
	if cfg.Channel != nil {
		// Copy so the caller's config is not rewritten underneath it.
		cp := *cfg.Channel
		chCfg = &cp
	}
	chCfg.PrimaryURL = func(afterSeq int64) string {
		return client.RealtimeURL("/api/ws", afterSeq)
	}
	chCfg.SecondaryURL = func(afterSeq int64) string {
		return client.RealtimeURL("/api/events", afterSeq)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	t := &Telemetry{
		logger:    logger,
		client:    client,
		channel:   eventchannel.New(chCfg, logger.Named("eventchannel")),
		tailer:    logtail.New(cfg.Tail, client, logger.Named("logtail")),
		projector: projector.New(client, pageSize, logger.Named("projector")),
		connSubs:  make(map[string]func(eventchannel.ConnectionState)),
		staleSubs: make(map[string]func()),
		closeSubs: make(map[string]func(DeletionNotice)),
		lineSubs:  make(map[string]map[string]func(lines []string)),
	}

	t.channel.OnEvent(t.routeEvent)
	t.channel.OnConnectionStateChange(t.fanOutConnectionState)
	return t
}

// Run connects the realtime channel and blocks until the context is
// canceled, then tears the pipeline down.
func (t *Telemetry) Run(ctx context.Context) error {
	t.channel.Connect(0)
	<-ctx.Done()
	t.Close()
	return ctx.Err()
}

// Close tears down the channel and every open tail. Safe to call more than
// once.
func (t *Telemetry) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.channel.Close()
	t.tailer.Close()
}

// ListJobs fetches one job list page through the projector, so pushed deltas
// keep patching it afterwards.
func (t *Telemetry) ListJobs(ctx context.Context, cursor string) ([]model.Job, *string, error) {
	return t.projector.ListPage(ctx, cursor)
}

// Job returns a snapshot of one loaded job.
func (t *Telemetry) Job(jobID string) (model.Job, bool) {
	return t.projector.Job(jobID)
}

// ConnectionState returns a snapshot of the realtime connection state.
func (t *Telemetry) ConnectionState() eventchannel.ConnectionState {
	return t.channel.State()
}

// LogPollState returns the poll state of a job's open log view.
func (t *Telemetry) LogPollState(jobID string) (logtail.PollState, bool) {
	return t.tailer.State(jobID)
}

// RetryRealtime forces an immediate reconnect attempt of the push channel.
func (t *Telemetry) RetryRealtime() {
	t.channel.RetryNow()
}

// RetryLogPolling resumes a paused log view.
func (t *Telemetry) RetryLogPolling(jobID string) error {
	return t.tailer.RetryPolling(jobID)
}

// SubscribeConnectionState registers a handler for connection state changes
// and returns its unsubscribe function.
func (t *Telemetry) SubscribeConnectionState(h func(eventchannel.ConnectionState)) func() {
	id := uuid.NewString()
	t.mu.Lock()
	t.connSubs[id] = h
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.connSubs, id)
		t.mu.Unlock()
	}
}

// SubscribeListStale registers a handler invoked whenever the loaded job list
// no longer matches the server and should be refetched.
func (t *Telemetry) SubscribeListStale(h func()) func() {
	id := uuid.NewString()
	t.mu.Lock()
	t.staleSubs[id] = h
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.staleSubs, id)
		t.mu.Unlock()
	}
}

// SubscribeViewClosed registers a handler invoked once per deletion event
// that removed a job with an open log view.
func (t *Telemetry) SubscribeViewClosed(h func(DeletionNotice)) func() {
	id := uuid.NewString()
	t.mu.Lock()
	t.closeSubs[id] = h
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.closeSubs, id)
		t.mu.Unlock()
	}
}

// SubscribeLines opens a log view on the job and registers a handler for its
// newly completed lines. The first subscriber opens the tail; the returned
// unsubscribe closes it again when the last subscriber leaves.
func (t *Telemetry) SubscribeLines(ctx context.Context, jobID string, h func(lines []string)) (func(), error) {
	id := uuid.NewString()

	t.mu.Lock()
	subs, open := t.lineSubs[jobID]
	if !open {
		subs = make(map[string]func(lines []string))
		t.lineSubs[jobID] = subs
	}
	subs[id] = h
	t.mu.Unlock()

	if !open {
		if err := t.tailer.OpenTail(ctx, jobID, func(lines []string) {
			t.fanOutLines(jobID, lines)
		}); err != nil {
			t.mu.Lock()
			delete(subs, id)
			if len(subs) == 0 {
				delete(t.lineSubs, jobID)
			}
			t.mu.Unlock()
			return nil, err
		}
	}

	return func() {
		t.mu.Lock()
		subs, ok := t.lineSubs[jobID]
		if !ok {
			t.mu.Unlock()
			return
		}
		delete(subs, id)
		last := len(subs) == 0
		if last {
			delete(t.lineSubs, jobID)
		}
		t.mu.Unlock()

		if last {
			t.tailer.CloseTail(jobID)
		}
	}, nil
}

// routeEvent dispatches one decoded push event.
func (t *Telemetry) routeEvent(ev model.Event) {
	effect := t.projector.ApplyEvent(ev)

	if len(effect.DeletedJobIDs) > 0 {
		t.handleDeleted(effect.DeletedJobIDs, effect.DeletionReason)
	}
	if effect.ListStale {
		t.fanOutListStale()
	}
}

// handleDeleted drops tail state for removed jobs and signals open views.
func (t *Telemetry) handleDeleted(jobIDs []string, reason string) {
	t.mu.Lock()
	var notices []DeletionNotice
	for _, id := range jobIDs {
		if _, viewOpen := t.lineSubs[id]; viewOpen {
			delete(t.lineSubs, id)
			notices = append(notices, DeletionNotice{JobID: id, Reason: reason})
		}
	}
	handlers := make([]func(DeletionNotice), 0, len(t.closeSubs))
	for _, h := range t.closeSubs {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	t.tailer.RemoveJobs(jobIDs)

	for _, n := range notices {
		t.logger.Info("job deleted while log view open",
			zap.String("job_id", n.JobID),
			zap.String("reason", n.Reason),
		)
		for _, h := range handlers {
			h(n)
		}
	}
}

func (t *Telemetry) fanOutConnectionState(s eventchannel.ConnectionState) {
	t.mu.Lock()
	handlers := make([]func(eventchannel.ConnectionState), 0, len(t.connSubs))
	for _, h := range t.connSubs {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(s)
	}
}

func (t *Telemetry) fanOutListStale() {
	t.mu.Lock()
	handlers := make([]func(), 0, len(t.staleSubs))
	for _, h := range t.staleSubs {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

func (t *Telemetry) fanOutLines(jobID string, lines []string) {
	t.mu.Lock()
	subs := t.lineSubs[jobID]
	handlers := make([]func(lines []string), 0, len(subs))
	for _, h := range subs {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(lines)
	}
}
