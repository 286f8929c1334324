// Package projector maintains the in-memory view of the job list and applies
// pushed delta events to it. It fetches pages through a collaborator and only
// patches what is already loaded; jobs outside the loaded pages are the
// caller's problem to refetch.
package projector

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/homelabird/s3desk-telemetry/internal/model"
)

// Lister fetches job list pages from the server.
type Lister interface {
	ListJobs(ctx context.Context, cursor string, limit int) (model.JobsListPage, error)
}

// Effect describes what the caller should do after an event was applied.
type Effect struct {
	// ListStale signals that the loaded pages no longer reflect the server's
	// job list and the first page should be refetched.
	ListStale bool
	// DeletedJobIDs lists every job a jobs.deleted event removed, loaded or
	// not, so the caller can drop tails and close views for them.
	DeletedJobIDs []string
	// DeletionReason is the server's reason for the deletion, e.g. "manual"
	// or "retention".
	DeletionReason string
}

// page is one loaded page of the job list, keyed by the cursor that fetched
// it (empty for the first page).
type page struct {
	cursor string
	items  []model.Job
	next   *string
}

// Projector owns the loaded job records. All mutation goes through
// ApplyEvent and RemoveJobs; patches are shallow merges, so re-applying an
// event is harmless.
type Projector struct {
	lister   Lister
	pageSize int
	logger   *zap.Logger

	mu    sync.Mutex
	pages []*page
}

// New creates a projector fetching pages of pageSize through the lister.
func New(lister Lister, pageSize int, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{
		lister:   lister,
		pageSize: pageSize,
		logger:   logger,
	}
}

// ListPage fetches one page and records it, replacing any previously loaded
// page for the same cursor. Fetching the first page (empty cursor) drops all
// later pages, since their cursors are no longer valid.
func (p *Projector) ListPage(ctx context.Context, cursor string) ([]model.Job, *string, error) {
	fetched, err := p.lister.ListJobs(ctx, cursor, p.pageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch jobs page: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cursor == "" {
		p.pages = p.pages[:0]
	}
	replaced := false
	for i, pg := range p.pages {
		if pg.cursor == cursor {
			p.pages[i] = &page{cursor: cursor, items: fetched.Items, next: fetched.NextCursor}
			replaced = true
			break
		}
	}
	if !replaced {
		p.pages = append(p.pages, &page{cursor: cursor, items: fetched.Items, next: fetched.NextCursor})
	}

	items := make([]model.Job, len(fetched.Items))
	copy(items, fetched.Items)
	return items, fetched.NextCursor, nil
}

// Jobs returns a snapshot of every loaded job, in page order.
func (p *Projector) Jobs() []model.Job {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []model.Job
	for _, pg := range p.pages {
		out = append(out, pg.items...)
	}
	return out
}

// Job returns a snapshot of one loaded job.
func (p *Projector) Job(jobID string) (model.Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if j := p.findLocked(jobID); j != nil {
		return *j, true
	}
	return model.Job{}, false
}

// ApplyEvent applies one pushed event to the loaded pages and reports the
// follow-up work it implies. Patch events for jobs that are not loaded are
// dropped; the job may simply not be on a loaded page.
func (p *Projector) ApplyEvent(ev model.Event) Effect {
	switch e := ev.(type) {
	case model.JobCreatedEvent:
		return Effect{ListStale: true}

	case model.JobProgressEvent:
		p.patch(e.JobID, e.Patch)
		return Effect{}

	case model.JobCompletedEvent:
		p.patch(e.JobID, e.Patch)
		return Effect{}

	case model.JobsDeletedEvent:
		p.RemoveJobs(e.JobIDs)
		return Effect{ListStale: true, DeletedJobIDs: e.JobIDs, DeletionReason: e.Reason}

	default:
		return Effect{}
	}
}

// RemoveJobs drops the given jobs from every loaded page.
func (p *Projector) RemoveJobs(jobIDs []string) {
	if len(jobIDs) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(jobIDs))
	for _, id := range jobIDs {
		drop[id] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pg := range p.pages {
		kept := pg.items[:0]
		for _, j := range pg.items {
			if _, gone := drop[j.ID]; !gone {
				kept = append(kept, j)
			}
		}
		pg.items = kept
	}
}

// patch shallow-merges the non-nil fields of the patch into the loaded job.
func (p *Projector) patch(jobID string, patch model.JobPatch) {
	p.mu.Lock()
	defer p.mu.Unlock()

	j := p.findLocked(jobID)
	if j == nil {
		p.logger.Debug("patch for job not loaded, dropped", zap.String("job_id", jobID))
		return
	}

	if patch.Status != nil {
		j.Status = *patch.Status
	}
	if patch.Progress != nil {
		j.Progress = patch.Progress
	}
	if patch.Error != nil {
		j.Error = patch.Error
	}
	if patch.ErrorCode != nil {
		j.ErrorCode = patch.ErrorCode
	}
	if patch.StartedAt != nil {
		j.StartedAt = patch.StartedAt
	}
	if patch.FinishedAt != nil {
		j.FinishedAt = patch.FinishedAt
	}
}

func (p *Projector) findLocked(jobID string) *model.Job {
	for _, pg := range p.pages {
		for i := range pg.items {
			if pg.items[i].ID == jobID {
				return &pg.items[i]
			}
		}
	}
	return nil
}
