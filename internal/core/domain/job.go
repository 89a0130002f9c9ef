package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further progress can be emitted for the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ExplainJob is the server-side snapshot of one explanation request.
// It lives in Redis for the duration of the job and is never persisted to Postgres.
type ExplainJob struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	SourceKey string    `json:"source_key"`
	LimeImage string    `json:"lime_image,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event converts the snapshot into the wire event sent over the progress channel.
func (j *ExplainJob) Event() ProgressEvent {
	progress := j.Progress
	ev := ProgressEvent{JobID: j.ID, Progress: &progress}
	switch j.Status {
	case JobStatusCompleted:
		ev.LimeImage = j.LimeImage
	case JobStatusFailed:
		ev.Error = j.Error
	}
	return ev
}

// FailedJob is a dead-lettered explanation kept for operators.
type FailedJob struct {
	Job      *ExplainJob `json:"job"`
	FailedAt time.Time   `json:"failed_at"`
	Reason   string      `json:"reason"`
}
