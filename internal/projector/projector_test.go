package projector_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/homelabird/s3desk-telemetry/internal/model"
	"github.com/homelabird/s3desk-telemetry/internal/projector"
)

// fakeLister serves fixed pages keyed by cursor.
type fakeLister struct {
	pages map[string]model.JobsListPage
}

func (f *fakeLister) ListJobs(_ context.Context, cursor string, _ int) (model.JobsListPage, error) {
	return f.pages[cursor], nil
}

func strPtr(s string) *string { return &s }

func statusPtr(s model.JobStatus) *model.JobStatus { return &s }

func int64Ptr(v int64) *int64 { return &v }

func job(id string, status model.JobStatus) model.Job {
	return model.Job{
		ID:        id,
		Type:      "s3.delete_objects",
		Status:    status,
		CreatedAt: "2025-06-01T10:00:00Z",
	}
}

func loadTwoPages(t *testing.T) *projector.Projector {
	t.Helper()
	lister := &fakeLister{pages: map[string]model.JobsListPage{
		"": {
			Items:      []model.Job{job("j1", model.JobStatusRunning), job("j2", model.JobStatusQueued)},
			NextCursor: strPtr("c2"),
		},
		"c2": {
			Items: []model.Job{job("j3", model.JobStatusQueued)},
		},
	}}
	p := projector.New(lister, 50, nil)

	items, next, err := p.ListPage(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "c2", *next)

	items, next, err = p.ListPage(context.Background(), "c2")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Nil(t, next)

	return p
}

func TestApplyProgressPatchesLoadedJob(t *testing.T) {
	p := loadTwoPages(t)

	effect := p.ApplyEvent(model.JobProgressEvent{
		EventMeta: model.EventMeta{Sequence: 5},
		JobID:     "j2",
		Patch: model.JobPatch{
			Status:   statusPtr(model.JobStatusRunning),
			Progress: &model.JobProgress{ObjectsDone: int64Ptr(4), BytesDone: int64Ptr(2048)},
		},
	})
	require.Equal(t, projector.Effect{}, effect)

	got, ok := p.Job("j2")
	require.True(t, ok)
	require.Equal(t, model.JobStatusRunning, got.Status)
	require.Equal(t, int64(4), *got.Progress.ObjectsDone)
	// Fields absent from the patch stay untouched.
	require.Equal(t, "2025-06-01T10:00:00Z", got.CreatedAt)
	require.Nil(t, got.Error)
}

func TestApplyEventIsIdempotent(t *testing.T) {
	p := loadTwoPages(t)

	ev := model.JobCompletedEvent{
		EventMeta: model.EventMeta{Sequence: 6},
		JobID:     "j1",
		Patch: model.JobPatch{
			Status:    statusPtr(model.JobStatusFailed),
			Error:     strPtr("permission denied"),
			ErrorCode: strPtr("access_denied"),
		},
	}

	p.ApplyEvent(ev)
	once, ok := p.Job("j1")
	require.True(t, ok)

	p.ApplyEvent(ev)
	twice, ok := p.Job("j1")
	require.True(t, ok)

	require.Equal(t, once, twice)
	require.Equal(t, model.JobStatusFailed, twice.Status)
	require.Equal(t, "permission denied", *twice.Error)
}

func TestApplyPatchForUnloadedJobIsDropped(t *testing.T) {
	p := loadTwoPages(t)

	effect := p.ApplyEvent(model.JobProgressEvent{
		EventMeta: model.EventMeta{Sequence: 7},
		JobID:     "elsewhere",
		Patch:     model.JobPatch{Status: statusPtr(model.JobStatusRunning)},
	})
	require.Equal(t, projector.Effect{}, effect)
	require.Len(t, p.Jobs(), 3)
}

func TestApplyCreatedSignalsStaleList(t *testing.T) {
	p := loadTwoPages(t)

	effect := p.ApplyEvent(model.JobCreatedEvent{
		EventMeta: model.EventMeta{Sequence: 8},
		Job:       job("j9", model.JobStatusQueued),
	})
	require.True(t, effect.ListStale)
	// No in-place insert; the caller refetches the first page.
	_, ok := p.Job("j9")
	require.False(t, ok)
}

func TestApplyDeletedRemovesAcrossPages(t *testing.T) {
	p := loadTwoPages(t)

	effect := p.ApplyEvent(model.JobsDeletedEvent{
		EventMeta: model.EventMeta{Sequence: 9},
		JobIDs:    []string{"j1", "j3", "not-loaded"},
		Reason:    "manual",
	})
	require.True(t, effect.ListStale)
	require.Equal(t, []string{"j1", "j3", "not-loaded"}, effect.DeletedJobIDs)
	require.Equal(t, "manual", effect.DeletionReason)

	jobs := p.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, "j2", jobs[0].ID)
}

func TestListFirstPageDropsLaterPages(t *testing.T) {
	p := loadTwoPages(t)
	require.Len(t, p.Jobs(), 3)

	_, _, err := p.ListPage(context.Background(), "")
	require.NoError(t, err)

	// Only the refetched first page remains loaded.
	require.Len(t, p.Jobs(), 2)
	_, ok := p.Job("j3")
	require.False(t, ok)
}
