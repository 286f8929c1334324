package model

import (
	"encoding/json"
	"fmt"
)

// EventType identifies the kind of a realtime event frame.
type EventType string

const (
	// EventTypeJobCreated is emitted when a new job is enqueued.
	EventTypeJobCreated EventType = "job.created"
	// EventTypeJobProgress is emitted when a running job reports progress.
	EventTypeJobProgress EventType = "job.progress"
	// EventTypeJobCompleted is emitted when a job reaches a terminal state.
	EventTypeJobCompleted EventType = "job.completed"
	// EventTypeJobsDeleted is emitted when jobs are removed, manually or by retention.
	EventTypeJobsDeleted EventType = "jobs.deleted"
	// EventTypeJobLog is emitted per log line; the realtime channel opts out of
	// these and log output is fetched over HTTP instead.
	EventTypeJobLog EventType = "job.log"
)

// envelope is the wire shape of every pushed frame.
type envelope struct {
	Type    EventType       `json:"type"`
	Ts      string          `json:"ts"`
	Seq     int64           `json:"seq"`
	JobID   string          `json:"jobId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a decoded realtime event. Exactly one concrete type exists per
// event kind; callers switch on the concrete type.
type Event interface {
	// Seq returns the server-assigned position of the event in the stream.
	Seq() int64
	isEvent()
}

// EventMeta carries the fields common to all event kinds.
type EventMeta struct {
	Sequence int64
	Ts       string
}

// Seq returns the server-assigned position of the event in the stream.
func (m EventMeta) Seq() int64 { return m.Sequence }

// JobCreatedEvent signals a new job. The full record is carried so the
// consumer can decide between inserting it and refetching the list.
type JobCreatedEvent struct {
	EventMeta
	Job Job
}

// JobProgressEvent carries a partial patch for one job.
type JobProgressEvent struct {
	EventMeta
	JobID string
	Patch JobPatch
}

// JobCompletedEvent carries the final patch for one job.
type JobCompletedEvent struct {
	EventMeta
	JobID string
	Patch JobPatch
}

// JobsDeletedEvent signals that jobs no longer exist on the server.
type JobsDeletedEvent struct {
	EventMeta
	JobIDs []string
	Reason string
}

func (JobCreatedEvent) isEvent()   {}
func (JobProgressEvent) isEvent()  {}
func (JobCompletedEvent) isEvent() {}
func (JobsDeletedEvent) isEvent()  {}

// ErrUnknownEventType wraps the type tag of a frame this client does not
// understand. Unknown frames are dropped by the caller, not fatal.
type ErrUnknownEventType struct {
	Type EventType
}

func (e *ErrUnknownEventType) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

// DecodeEvent parses one pushed frame into its typed event. A frame that is
// not valid JSON, carries no sequence number, or misses the fields its kind
// requires yields an error; the channel drops such frames without state
// changes, so decode errors here are advisory.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if env.Seq <= 0 {
		return nil, fmt.Errorf("event has no sequence number")
	}

	meta := EventMeta{Sequence: env.Seq, Ts: env.Ts}

	switch env.Type {
	case EventTypeJobCreated:
		var payload struct {
			Job Job `json:"job"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode job.created payload: %w", err)
		}
		if payload.Job.ID == "" {
			payload.Job.ID = env.JobID
		}
		if payload.Job.ID == "" {
			return nil, fmt.Errorf("job.created event has no job id")
		}
		return JobCreatedEvent{EventMeta: meta, Job: payload.Job}, nil

	case EventTypeJobProgress, EventTypeJobCompleted:
		if env.JobID == "" {
			return nil, fmt.Errorf("%s event has no job id", env.Type)
		}
		var patch JobPatch
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &patch); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
			}
		}
		if env.Type == EventTypeJobProgress {
			return JobProgressEvent{EventMeta: meta, JobID: env.JobID, Patch: patch}, nil
		}
		return JobCompletedEvent{EventMeta: meta, JobID: env.JobID, Patch: patch}, nil

	case EventTypeJobsDeleted:
		var payload struct {
			JobIDs []string `json:"jobIds"`
			Reason string   `json:"reason"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode jobs.deleted payload: %w", err)
		}
		if len(payload.JobIDs) == 0 {
			return nil, fmt.Errorf("jobs.deleted event lists no job ids")
		}
		return JobsDeletedEvent{EventMeta: meta, JobIDs: payload.JobIDs, Reason: payload.Reason}, nil

	default:
		return nil, &ErrUnknownEventType{Type: env.Type}
	}
}
