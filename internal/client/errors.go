package client

import (
	"errors"
	"fmt"
)

var (
	// ErrSubmissionFailed covers every way creating an explanation job can fail.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrChannel is a failure reported by the server on the progress channel.
	ErrChannel = errors.New("explanation failed")
	// ErrConnectionLost means the progress channel dropped before a terminal event.
	// The outcome of the job is unknown.
	ErrConnectionLost = errors.New("connection lost")
	// ErrSuperseded marks work abandoned because a newer artifact or job replaced it.
	ErrSuperseded = errors.New("superseded")

	ErrNotLoggedIn   = errors.New("not logged in")
	ErrEmptyArtifact = errors.New("artifact is empty")
)

// APIError is a non-2xx answer from the service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}
