package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"breedscope.app/internal/core/logger"
	"breedscope.app/internal/core/ports"
)

// JobProcessor runs one queued job.
type JobProcessor interface {
	Process(ctx context.Context, id string) error
}

// ExplainWorker pulls job ids off the queue and runs at most capacity of them at once.
type ExplainWorker struct {
	queue     ports.JobQueue
	processor JobProcessor
	capacity  int

	semaphore    chan struct{}
	wg           sync.WaitGroup
	drainTimeout time.Duration
	retryDelay   time.Duration
}

func NewExplainWorker(queue ports.JobQueue, processor JobProcessor, capacity int) *ExplainWorker {
	if capacity <= 0 {
		capacity = 1
	}
	return &ExplainWorker{
		queue:        queue,
		processor:    processor,
		capacity:     capacity,
		semaphore:    make(chan struct{}, capacity),
		drainTimeout: 30 * time.Second,
		retryDelay:   time.Second,
	}
}

// Run blocks until ctx is done, then waits for running jobs to finish.
func (w *ExplainWorker) Run(ctx context.Context) error {
	logger.Info("Explanation worker started", "capacity", w.capacity)
	defer w.drain()

	for {
		// Acquire a slot before taking work so queued jobs stay visible to other replicas.
		select {
		case w.semaphore <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		id, err := w.queue.Dequeue(ctx)
		if err != nil {
			<-w.semaphore
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("Failed to dequeue explanation job", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.retryDelay):
			}
			continue
		}

		logger.Debug("Received explanation job", "job_id", id, "active", len(w.semaphore), "capacity", w.capacity)

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.semaphore }()

			if err := w.processor.Process(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Explanation job ended with error", "job_id", id, "error", err)
			}
		}()
	}
}

func (w *ExplainWorker) drain() {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All explanation jobs drained")
	case <-time.After(w.drainTimeout):
		logger.Warn("Shutdown timeout reached, some explanation jobs may still be running")
	}
}
