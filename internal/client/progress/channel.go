// Package progress opens the server-push channel of one explanation job.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"breedscope.app/internal/client"
	"breedscope.app/internal/core/domain"
)

// DefaultIdleTimeout is how long a channel may stay silent before it is
// considered lost. Server heartbeats count as activity.
const DefaultIdleTimeout = 2 * time.Minute

var (
	// ErrClosed is returned by Recv after Close.
	ErrClosed = errors.New("progress channel closed")
	// ErrMalformedEvent is returned by Recv for a payload that is not an event.
	// The channel stays usable.
	ErrMalformedEvent = errors.New("malformed progress event")
)

// Event is one decoded progress channel message.
type Event = domain.ProgressEvent

// Channel is a single open subscription. Recv returns events in server order;
// any transport failure is reported as an error wrapping client.ErrConnectionLost.
// Close may be called any number of times from any goroutine.
type Channel interface {
	JobID() string
	Recv() (Event, error)
	Close() error
}

// Dialer opens a channel for a job. The channel lives until Close or until ctx is done.
type Dialer interface {
	Dial(ctx context.Context, jobID string) (Channel, error)
}

// Transport names accepted by NewDialer.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

// NewDialer returns the dialer for transport against the service at baseURL.
func NewDialer(transport, baseURL string, idle time.Duration) (Dialer, error) {
	switch strings.ToLower(transport) {
	case "", TransportSSE:
		return &SSEDialer{BaseURL: baseURL, IdleTimeout: idle}, nil
	case TransportWebSocket, "websocket":
		return &WSDialer{BaseURL: baseURL, IdleTimeout: idle}, nil
	default:
		return nil, fmt.Errorf("unknown progress transport %q", transport)
	}
}

// Decode parses one event payload. A payload without a job id is attributed
// to jobID; one without any known field is rejected.
func Decode(jobID string, data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Progress == nil && ev.LimeImage == "" && ev.Error == "" {
		return Event{}, fmt.Errorf("%w: no progress, result or error in %s", ErrMalformedEvent, data)
	}
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	return ev, nil
}

func lost(format string, args ...any) error {
	return fmt.Errorf("%w: %s", client.ErrConnectionLost, fmt.Sprintf(format, args...))
}

func idleOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultIdleTimeout
	}
	return d
}
