package model_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/homelabird/s3desk-telemetry/internal/model"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		check func(t *testing.T, ev model.Event)
		isErr bool
	}{
		{
			name: "job created",
			data: `{"type":"job.created","ts":"2025-06-01T10:00:00Z","seq":7,"jobId":"j1","payload":{"job":{"id":"j1","type":"s3.zip_objects","status":"queued","payload":{},"createdAt":"2025-06-01T10:00:00Z"}}}`,
			check: func(t *testing.T, ev model.Event) {
				e, ok := ev.(model.JobCreatedEvent)
				require.True(t, ok)
				require.Equal(t, int64(7), e.Seq())
				require.Equal(t, "j1", e.Job.ID)
				require.Equal(t, model.JobStatusQueued, e.Job.Status)
			},
		},
		{
			name: "job progress",
			data: `{"type":"job.progress","ts":"2025-06-01T10:00:01Z","seq":8,"jobId":"j1","payload":{"status":"running","progress":{"objectsDone":3,"bytesDone":1024}}}`,
			check: func(t *testing.T, ev model.Event) {
				e, ok := ev.(model.JobProgressEvent)
				require.True(t, ok)
				require.Equal(t, "j1", e.JobID)
				require.NotNil(t, e.Patch.Status)
				require.Equal(t, model.JobStatusRunning, *e.Patch.Status)
				require.NotNil(t, e.Patch.Progress)
				require.Equal(t, int64(3), *e.Patch.Progress.ObjectsDone)
				require.Nil(t, e.Patch.Error)
			},
		},
		{
			name: "job completed with error",
			data: `{"type":"job.completed","ts":"2025-06-01T10:00:02Z","seq":9,"jobId":"j1","payload":{"status":"failed","error":"bucket gone","errorCode":"not_found"}}`,
			check: func(t *testing.T, ev model.Event) {
				e, ok := ev.(model.JobCompletedEvent)
				require.True(t, ok)
				require.Equal(t, model.JobStatusFailed, *e.Patch.Status)
				require.Equal(t, "bucket gone", *e.Patch.Error)
				require.Equal(t, "not_found", *e.Patch.ErrorCode)
			},
		},
		{
			name: "jobs deleted",
			data: `{"type":"jobs.deleted","ts":"2025-06-01T10:00:03Z","seq":10,"payload":{"jobIds":["j1","j2"],"reason":"retention"}}`,
			check: func(t *testing.T, ev model.Event) {
				e, ok := ev.(model.JobsDeletedEvent)
				require.True(t, ok)
				require.Equal(t, []string{"j1", "j2"}, e.JobIDs)
				require.Equal(t, "retention", e.Reason)
			},
		},
		{
			name:  "not json",
			data:  `{{{`,
			isErr: true,
		},
		{
			name:  "missing seq",
			data:  `{"type":"job.progress","jobId":"j1","payload":{"status":"running"}}`,
			isErr: true,
		},
		{
			name:  "progress without job id",
			data:  `{"type":"job.progress","seq":4,"payload":{"status":"running"}}`,
			isErr: true,
		},
		{
			name:  "deleted without ids",
			data:  `{"type":"jobs.deleted","seq":4,"payload":{"jobIds":[]}}`,
			isErr: true,
		},
		{
			name:  "unknown type",
			data:  `{"type":"job.log","seq":4,"jobId":"j1","payload":{"line":"hello"}}`,
			isErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := model.DecodeEvent([]byte(tt.data))
			if tt.isErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, ev)
		})
	}
}

func TestDecodeEventUnknownTypeError(t *testing.T) {
	_, err := model.DecodeEvent([]byte(`{"type":"job.log","seq":1}`))
	var unknown *model.ErrUnknownEventType
	require.True(t, errors.As(err, &unknown))
	require.Equal(t, model.EventTypeJobLog, unknown.Type)
}

func TestJobStatusTerminal(t *testing.T) {
	require.False(t, model.JobStatusQueued.Terminal())
	require.False(t, model.JobStatusRunning.Terminal())
	require.True(t, model.JobStatusSucceeded.Terminal())
	require.True(t, model.JobStatusFailed.Terminal())
	require.True(t, model.JobStatusCanceled.Terminal())
}
