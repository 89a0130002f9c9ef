package ports

import (
	"context"
	"image"

	"breedscope.app/internal/core/domain"
)

type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByName(ctx context.Context, username string) (*domain.User, error)
}

type HistoryRepository interface {
	AddEntry(ctx context.Context, entry *domain.HistoryEntry) error
	ListEntries(ctx context.Context, username string) ([]*domain.HistoryEntry, error)
	DeleteEntry(ctx context.Context, username, filename string) error
	DeleteAllEntries(ctx context.Context, username string) error
}

// ArtifactStore keeps image blobs addressed by filename.
type ArtifactStore interface {
	Put(ctx context.Context, filename string, data []byte) error
	Get(ctx context.Context, filename string) ([]byte, error)
	Delete(ctx context.Context, filename string) error
}

// JobStore holds the transient snapshot of each explanation job.
type JobStore interface {
	Save(ctx context.Context, job *domain.ExplainJob) error
	Get(ctx context.Context, id string) (*domain.ExplainJob, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
	Dequeue(ctx context.Context) (string, error) // Blocking wait
}

type ProgressPubSub interface {
	Publish(ctx context.Context, event domain.ProgressEvent) error
	// Subscribe delivers events for jobID until ctx is done. An empty jobID subscribes to all jobs.
	Subscribe(ctx context.Context, jobID string) (<-chan domain.ProgressEvent, error)
}

type DeadLetters interface {
	Add(ctx context.Context, job *domain.ExplainJob, reason string) error
}

// FailedJobLog is the read side of the dead-letter set.
type FailedJobLog interface {
	List(ctx context.Context, offset, limit int64) ([]*domain.FailedJob, error)
	Count(ctx context.Context) (int64, error)
	Remove(ctx context.Context, jobID string) error
}

// Classifier scores images against the label set. Each result row holds one probability per label.
type Classifier interface {
	Labels() []string
	PredictBatch(ctx context.Context, images []image.Image) ([][]float64, error)
}

// Explainer produces an explanation image for the classifier's top label.
// report is called with a percentage in [0,100] as work advances.
type Explainer interface {
	Explain(ctx context.Context, img image.Image, report func(progress int)) (image.Image, error)
}
