package progress

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sse "github.com/tmaxmax/go-sse"
)

// maxEventSize bounds a single framed event on the progress stream.
const maxEventSize = 1 << 20

// SSEDialer subscribes through GET /lime-progress/{job_id}.
type SSEDialer struct {
	BaseURL     string
	HTTPClient  *http.Client
	IdleTimeout time.Duration
}

func (d *SSEDialer) Dial(ctx context.Context, jobID string) (Channel, error) {
	ctx, cancel := context.WithCancel(ctx)

	endpoint := strings.TrimRight(d.BaseURL, "/") + "/lime-progress/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	httpClient := d.HTTPClient
	if httpClient == nil {
		// No overall timeout: the stream is bounded by the idle timer instead.
		httpClient = &http.Client{}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, lost("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, lost("open stream: status %d", resp.StatusCode)
	}

	ch := &sseChannel{
		jobID:  jobID,
		body:   resp.Body,
		cancel: cancel,
		idle:   idleOrDefault(d.IdleTimeout),
		events: make(chan sseResult),
		done:   make(chan struct{}),
	}
	ch.timer = time.AfterFunc(ch.idle, ch.expire)
	go ch.read()
	return ch, nil
}

type sseResult struct {
	ev  sse.Event
	err error
}

type sseChannel struct {
	jobID  string
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan sseResult
	done   chan struct{}

	idle     time.Duration
	timer    *time.Timer
	timedOut atomic.Bool
	closed   atomic.Bool
	once     sync.Once
}

func (c *sseChannel) JobID() string { return c.jobID }

func (c *sseChannel) expire() {
	c.timedOut.Store(true)
	c.cancel()
}

// read feeds framed events to Recv until the stream ends or the channel
// is closed. Any bytes off the wire, heartbeat comments included, reset
// the idle timer.
func (c *sseChannel) read() {
	defer close(c.events)
	body := &activityReader{r: c.body, touch: func() { c.timer.Reset(c.idle) }}
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
		select {
		case c.events <- sseResult{ev: ev, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Recv returns the next decoded progress event. Events without a data
// field carry nothing for this protocol and are skipped.
func (c *sseChannel) Recv() (Event, error) {
	for {
		res, ok := <-c.events
		if !ok {
			return Event{}, c.readError(io.EOF)
		}
		if res.err != nil {
			return Event{}, c.readError(res.err)
		}
		if res.ev.Data == "" {
			continue
		}
		return Decode(c.jobID, []byte(res.ev.Data))
	}
}

func (c *sseChannel) readError(err error) error {
	switch {
	case c.closed.Load():
		return ErrClosed
	case c.timedOut.Load():
		return lost("no event for %s", c.idle)
	case errors.Is(err, io.EOF):
		return lost("stream ended before the job finished")
	default:
		return lost("read stream: %v", err)
	}
}

func (c *sseChannel) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.timer.Stop()
		close(c.done)
		c.cancel()
		c.body.Close()
	})
	return nil
}

type activityReader struct {
	r     io.Reader
	touch func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}

var _ Channel = (*sseChannel)(nil)
