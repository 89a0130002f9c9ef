// Package upload ties artifact selection, job submission and the progress
// channel of one user session to the job state machine.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"breedscope.app/internal/client"
	"breedscope.app/internal/client/jobstate"
	"breedscope.app/internal/client/progress"
	"breedscope.app/internal/core/logger"
)

// Submitter creates explanation jobs.
type Submitter interface {
	SubmitExplanation(ctx context.Context, art client.Artifact) (string, error)
}

// JobHandle identifies a submitted job.
type JobHandle struct {
	ID  string
	Gen uint64
}

type Session struct {
	machine   *jobstate.Machine
	submitter Submitter
	dialer    progress.Dialer

	mu       sync.Mutex
	artifact client.Artifact
	pumps    sync.WaitGroup
}

func NewSession(machine *jobstate.Machine, submitter Submitter, dialer progress.Dialer) *Session {
	return &Session{machine: machine, submitter: submitter, dialer: dialer}
}

func (s *Session) Machine() *jobstate.Machine { return s.machine }

// SelectArtifact replaces the current artifact and resets the job slot,
// abandoning any job still in flight.
func (s *Session) SelectArtifact(art client.Artifact) error {
	if art.Empty() {
		return client.ErrEmptyArtifact
	}
	s.mu.Lock()
	s.artifact = art
	s.mu.Unlock()
	s.machine.Reset()
	return nil
}

func (s *Session) Artifact() (client.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact, !s.artifact.Empty()
}

// Submit starts an explanation job for art, superseding any tracked job.
// ctx bounds the submission request and the job's progress channel.
//
// An empty artifact is rejected before anything is superseded. A failure to
// create the job returns an error wrapping client.ErrSubmissionFailed. If
// the channel cannot be opened the job is
// recorded as failed with client.ErrConnectionLost and the handle is still
// returned. client.ErrSuperseded is returned when a newer submission or
// artifact overtook this one while it was in flight.
func (s *Session) Submit(ctx context.Context, art client.Artifact) (*JobHandle, error) {
	if art.Empty() {
		return nil, fmt.Errorf("%w: %w", client.ErrSubmissionFailed, client.ErrEmptyArtifact)
	}
	gen := s.machine.BeginSubmission()

	id, err := s.submitter.SubmitExplanation(ctx, art)
	if err != nil {
		if !errors.Is(err, client.ErrSubmissionFailed) {
			err = fmt.Errorf("%w: %w", client.ErrSubmissionFailed, err)
		}
		s.machine.SubmissionFailed(gen, err)
		return nil, err
	}
	if !s.machine.Track(gen, id) {
		return nil, client.ErrSuperseded
	}
	handle := &JobHandle{ID: id, Gen: gen}

	ch, err := s.dialer.Dial(ctx, id)
	if err != nil {
		if !s.machine.Lost(id, err) {
			return nil, client.ErrSuperseded
		}
		return handle, nil
	}
	if !s.machine.Attach(gen, id, ch) {
		return nil, client.ErrSuperseded
	}

	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		s.pump(ch)
	}()
	return handle, nil
}

// pump feeds channel events to the machine until a terminal event or a
// transport error. The machine closes the channel on every exit path.
func (s *Session) pump(ch progress.Channel) {
	for {
		ev, err := ch.Recv()
		if err != nil {
			if errors.Is(err, progress.ErrMalformedEvent) {
				logger.Warn("Ignoring malformed progress event", "job_id", ch.JobID(), "error", err)
				continue
			}
			if errors.Is(err, progress.ErrClosed) {
				return
			}
			s.machine.Lost(ch.JobID(), err)
			// Lost is a no-op for a superseded job; the channel may still be open.
			ch.Close()
			return
		}
		if !s.machine.Apply(ev) && ev.JobID == ch.JobID() {
			// The machine no longer tracks this job.
			ch.Close()
			return
		}
		if ev.Terminal() {
			return
		}
	}
}

// Wait blocks until the current job is terminal or the slot leaves the job
// identified by gen, and returns the last snapshot.
func (s *Session) Wait(ctx context.Context, gen uint64) (jobstate.Snapshot, error) {
	done := make(chan jobstate.Snapshot, 1)
	unsubscribe := s.machine.Subscribe(func(snap jobstate.Snapshot) {
		if snap.Gen != gen || snap.Phase.Terminal() {
			select {
			case done <- snap:
			default:
			}
		}
	})
	defer unsubscribe()

	select {
	case snap := <-done:
		if snap.Gen != gen {
			return snap, client.ErrSuperseded
		}
		return snap, nil
	case <-ctx.Done():
		return s.machine.Snapshot(), ctx.Err()
	}
}

// Close abandons any live job and waits for its channel pump to exit.
func (s *Session) Close() {
	s.machine.Reset()
	s.pumps.Wait()
}
