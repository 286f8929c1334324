package model

// JobStatus represents the lifecycle state of a background job.
type JobStatus string

const (
	// JobStatusQueued is the initial state of a job.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning is the state of a job that is currently executing.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded is the terminal state of a job that completed successfully.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed is the terminal state of a job that completed with an error.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCanceled is the terminal state of a job that was canceled.
	JobStatusCanceled JobStatus = "canceled"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// JobProgress holds the progress counters of a running job. All fields are
// optional; the server only reports what the transfer engine measured.
type JobProgress struct {
	ObjectsDone      *int64 `json:"objectsDone,omitempty"`
	ObjectsTotal     *int64 `json:"objectsTotal,omitempty"`
	ObjectsPerSecond *int64 `json:"objectsPerSecond,omitempty"`
	BytesDone        *int64 `json:"bytesDone,omitempty"`
	BytesTotal       *int64 `json:"bytesTotal,omitempty"`
	SpeedBps         *int64 `json:"speedBps,omitempty"`
	EtaSeconds       *int   `json:"etaSeconds,omitempty"`
}

// Job represents a background job as reported by the server.
type Job struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Status     JobStatus      `json:"status"`
	Payload    map[string]any `json:"payload"`
	Progress   *JobProgress   `json:"progress,omitempty"`
	Error      *string        `json:"error,omitempty"`
	ErrorCode  *string        `json:"errorCode,omitempty"`
	CreatedAt  string         `json:"createdAt"`
	StartedAt  *string        `json:"startedAt,omitempty"`
	FinishedAt *string        `json:"finishedAt,omitempty"`
}

// JobPatch is a partial update to a job record. Nil fields are left untouched
// when the patch is applied; non-nil fields overwrite.
type JobPatch struct {
	Status     *JobStatus   `json:"status,omitempty"`
	Progress   *JobProgress `json:"progress,omitempty"`
	Error      *string      `json:"error,omitempty"`
	ErrorCode  *string      `json:"errorCode,omitempty"`
	StartedAt  *string      `json:"startedAt,omitempty"`
	FinishedAt *string      `json:"finishedAt,omitempty"`
}

// JobsListPage is one page of the jobs list endpoint.
type JobsListPage struct {
	Items      []Job   `json:"items"`
	NextCursor *string `json:"nextCursor,omitempty"`
}

// LogChunk is the response of a log range or tail fetch: the raw text read
// and the byte offset the next fetch should start from.
type LogChunk struct {
	Text       string
	NextOffset int64
}
