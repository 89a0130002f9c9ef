package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"breedscope.app/internal/core/domain"
	"breedscope.app/internal/core/logger"
	"breedscope.app/internal/core/metrics"
	"breedscope.app/internal/core/ports"
	"breedscope.app/internal/core/tracing"
)

type ExplainService struct {
	jobs      ports.JobStore
	queue     ports.JobQueue
	pubsub    ports.ProgressPubSub
	artifacts ports.ArtifactStore
	explainer ports.Explainer
	dlq       ports.DeadLetters
	now       func() time.Time
}

func NewExplainService(
	jobs ports.JobStore,
	queue ports.JobQueue,
	pubsub ports.ProgressPubSub,
	artifacts ports.ArtifactStore,
	explainer ports.Explainer,
	dlq ports.DeadLetters,
) *ExplainService {
	return &ExplainService{
		jobs:      jobs,
		queue:     queue,
		pubsub:    pubsub,
		artifacts: artifacts,
		explainer: explainer,
		dlq:       dlq,
		now:       time.Now,
	}
}

func sourceName(jobID string) string { return jobID + ".jpg" }

// ResultName is the artifact filename of a finished explanation.
func ResultName(jobID string) string { return jobID + "_lime.jpg" }

// CreateJob stores the image and queues an explanation for it.
func (s *ExplainService) CreateJob(ctx context.Context, data []byte) (*domain.ExplainJob, error) {
	if err := checkImage(data); err != nil {
		return nil, err
	}

	now := s.now()
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	job := &domain.ExplainJob{
		ID:        id,
		Status:    domain.JobStatusPending,
		SourceKey: sourceName(id),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.artifacts.Put(ctx, job.SourceKey, data); err != nil {
		return nil, fmt.Errorf("store source image: %w", err)
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	metrics.RecordJobCreated()
	logger.InfoContext(logger.WithJobID(ctx, id), "Explanation job created")
	return job, nil
}

func (s *ExplainService) GetJob(ctx context.Context, id string) (*domain.ExplainJob, error) {
	return s.jobs.Get(ctx, id)
}

// Watch subscribes to a job's progress and returns its current snapshot.
// The subscription is opened before the snapshot is read so no update is lost
// between the two; events older than the snapshot may still arrive and are
// harmless because every event carries the full progress value.
func (s *ExplainService) Watch(ctx context.Context, id string) (*domain.ExplainJob, <-chan domain.ProgressEvent, error) {
	subCtx, cancel := context.WithCancel(ctx)
	events, err := s.pubsub.Subscribe(subCtx, id)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan domain.ProgressEvent)
	go func() {
		defer cancel()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
			}
		}
	}()
	return job, out, nil
}

// Process runs one queued job to completion. Failures are recorded on the job,
// published as an error event and added to the dead-letter set.
func (s *ExplainService) Process(ctx context.Context, id string) error {
	ctx = logger.WithJobID(ctx, id)
	ctx, span := tracing.StartJobSpan(ctx, "explain.process", id)
	defer span.End()

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}

	started := s.now()
	metrics.RecordJobStarted()

	job.Status = domain.JobStatusRunning
	if err := s.update(ctx, job); err != nil {
		logger.WarnContext(ctx, "Failed to publish job start", "error", err)
	}

	result, err := s.run(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "explanation failed")
		s.fail(ctx, job, err)
		metrics.RecordJobFinished(string(domain.JobStatusFailed), s.now().Sub(started))
		return err
	}

	job.Status = domain.JobStatusCompleted
	job.Progress = 100
	job.LimeImage = result
	if err := s.update(ctx, job); err != nil {
		logger.ErrorContext(ctx, "Failed to publish job completion", "error", err)
	}
	if err := s.artifacts.Delete(ctx, job.SourceKey); err != nil {
		logger.WarnContext(ctx, "Failed to delete source image", "error", err)
	}

	metrics.RecordJobFinished(string(domain.JobStatusCompleted), s.now().Sub(started))
	logger.InfoContext(ctx, "Explanation job completed", "lime_image", result, "duration", s.now().Sub(started))
	return nil
}

func (s *ExplainService) run(ctx context.Context, job *domain.ExplainJob) (string, error) {
	data, err := s.artifacts.Get(ctx, job.SourceKey)
	if err != nil {
		return "", fmt.Errorf("load source image: %w", err)
	}
	img, err := decodeImage(data)
	if err != nil {
		return "", err
	}

	var mu sync.Mutex
	report := func(p int) {
		mu.Lock()
		defer mu.Unlock()
		// 100 is reserved for the completion event.
		p = min(99, clampProgress(p))
		if p <= job.Progress {
			return
		}
		job.Progress = p
		if err := s.update(ctx, job); err != nil {
			logger.WarnContext(ctx, "Failed to publish progress", "progress", p, "error", err)
		}
	}

	out, err := s.explainer.Explain(ctx, img, report)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: 90}); err != nil {
		return "", fmt.Errorf("encode explanation: %w", err)
	}
	name := ResultName(job.ID)
	if err := s.artifacts.Put(ctx, name, buf.Bytes()); err != nil {
		return "", fmt.Errorf("store explanation: %w", err)
	}
	return name, nil
}

func (s *ExplainService) fail(ctx context.Context, job *domain.ExplainJob, cause error) {
	job.Status = domain.JobStatusFailed
	job.Error = failureMessage(cause)

	// The job context may be the reason for the failure; terminal bookkeeping must still land.
	bg := context.WithoutCancel(ctx)
	if err := s.update(bg, job); err != nil {
		logger.ErrorContext(ctx, "Failed to publish job failure", "error", err)
	}
	if s.dlq != nil {
		if err := s.dlq.Add(bg, job, cause.Error()); err != nil {
			logger.ErrorContext(ctx, "Failed to add job to dead-letter queue", "error", err)
		}
	}
	if err := s.artifacts.Delete(bg, job.SourceKey); err != nil {
		logger.WarnContext(ctx, "Failed to delete source image", "error", err)
	}
	logger.ErrorContext(ctx, "Explanation job failed", "error", cause)
}

// update persists the snapshot first and publishes only after it is stored.
func (s *ExplainService) update(ctx context.Context, job *domain.ExplainJob) error {
	job.UpdatedAt = s.now()
	if err := s.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return s.pubsub.Publish(ctx, job.Event())
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "explanation cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrInvalidImage):
		return "file is not a supported image"
	default:
		return "explanation failed: " + err.Error()
	}
}

func clampProgress(p int) int {
	return max(0, min(100, p))
}
