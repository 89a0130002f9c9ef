// Package jobstate owns the single "current explanation job" slot of an upload session.
package jobstate

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"breedscope.app/internal/client"
	"breedscope.app/internal/core/domain"
)

type Phase int

const (
	Idle Phase = iota
	Pending
	Streaming
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Live reports whether a job in this phase may still receive events.
func (p Phase) Live() bool { return p == Pending || p == Streaming }

// Terminal reports whether the job in this phase has ended.
func (p Phase) Terminal() bool { return p == Completed || p == Failed }

// Snapshot is an immutable copy of the slot.
type Snapshot struct {
	// Gen increases on every submission and every artifact reset.
	Gen      uint64
	JobID    string
	Phase    Phase
	Progress int
	// ResultRef is the explanation artifact of a completed job.
	ResultRef string
	// Err wraps client.ErrChannel, client.ErrConnectionLost or
	// client.ErrSubmissionFailed when Phase is Failed.
	Err error
	// Message is the user-facing failure text.
	Message string
	// Superseded is the id of the live job this transition abandoned, if any.
	Superseded string
}

// Observer is called synchronously, under the machine's lock, after every
// transition. It must not call back into the Machine.
type Observer func(Snapshot)

// Machine is the single writer of the current-job slot. All methods are safe
// for concurrent use; each transition and its notifications are atomic.
type Machine struct {
	mu        sync.Mutex
	cur       Snapshot
	channel   io.Closer
	observers map[int]Observer
	nextObs   int
}

func New() *Machine {
	return &Machine{observers: make(map[int]Observer)}
}

// Subscribe registers fn and immediately calls it with the current snapshot.
// The returned func removes it.
func (m *Machine) Subscribe(fn Observer) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	fn(m.cur)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Reset returns the slot to Idle, as when a new artifact is selected.
// A live job is superseded and its channel closed.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	superseded := m.supersedeLocked()
	m.cur = Snapshot{Gen: m.cur.Gen + 1, Phase: Idle, Superseded: superseded}
	m.notifyLocked()
}

// BeginSubmission supersedes any live job and moves to Pending for a job
// whose id is not known yet. The returned generation identifies this
// submission in later calls.
func (m *Machine) BeginSubmission() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	superseded := m.supersedeLocked()
	m.cur = Snapshot{Gen: m.cur.Gen + 1, Phase: Pending, Superseded: superseded}
	m.notifyLocked()
	return m.cur.Gen
}

// SubmissionFailed fails the pending submission gen. It is ignored if gen is stale.
func (m *Machine) SubmissionFailed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.cur.Gen || m.cur.Phase != Pending {
		return
	}
	if !errors.Is(err, client.ErrSubmissionFailed) {
		err = fmt.Errorf("%w: %w", client.ErrSubmissionFailed, err)
	}
	m.failLocked(err, err.Error())
}

// Track records the server-issued id of submission gen. It reports false if
// the submission was superseded meanwhile.
func (m *Machine) Track(gen uint64, jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.cur.Gen || m.cur.Phase != Pending || m.cur.JobID != "" {
		return false
	}
	m.cur.JobID = jobID
	m.cur.Superseded = ""
	m.notifyLocked()
	return true
}

// Attach hands the open channel of jobID to the machine, which becomes
// responsible for closing it, and moves to Streaming. A stale channel is
// closed at once and false is returned.
func (m *Machine) Attach(gen uint64, jobID string, ch io.Closer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.cur.Gen || jobID != m.cur.JobID || m.cur.Phase != Pending {
		ch.Close()
		return false
	}
	m.channel = ch
	m.cur.Phase = Streaming
	m.cur.Superseded = ""
	m.notifyLocked()
	return true
}

// Apply applies one channel event. Events for any job other than the current
// live one are discarded. Progress is applied before a terminal field, and a
// terminal event closes the channel. It reports whether the event was applied.
func (m *Machine) Apply(ev domain.ProgressEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.JobID == "" || ev.JobID != m.cur.JobID || !m.cur.Phase.Live() {
		return false
	}

	m.cur.Superseded = ""
	m.cur.Phase = Streaming
	if ev.Progress != nil {
		m.cur.Progress = clamp(*ev.Progress)
	}

	switch {
	case ev.LimeImage != "":
		m.cur.Phase = Completed
		m.cur.Progress = 100
		m.cur.ResultRef = ev.LimeImage
		m.closeChannelLocked()
	case ev.Error != "":
		m.failLocked(fmt.Errorf("%w: %s", client.ErrChannel, ev.Error), ev.Error)
		return true
	}
	m.notifyLocked()
	return true
}

// Lost fails jobID with a connection loss. It is ignored unless jobID is the
// current live job, so errors from channels closed by supersession are dropped.
func (m *Machine) Lost(jobID string, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if jobID == "" || jobID != m.cur.JobID || !m.cur.Phase.Live() {
		return false
	}
	if !errors.Is(err, client.ErrConnectionLost) {
		err = fmt.Errorf("%w: %w", client.ErrConnectionLost, err)
	}
	m.failLocked(err, err.Error())
	return true
}

func (m *Machine) failLocked(err error, msg string) {
	m.cur.Phase = Failed
	m.cur.Err = err
	m.cur.Message = msg
	m.cur.Superseded = ""
	m.closeChannelLocked()
	m.notifyLocked()
}

// supersedeLocked tears down a live job and returns its id.
func (m *Machine) supersedeLocked() string {
	m.closeChannelLocked()
	if !m.cur.Phase.Live() {
		return ""
	}
	return m.cur.JobID
}

func (m *Machine) closeChannelLocked() {
	if m.channel != nil {
		m.channel.Close()
		m.channel = nil
	}
}

func (m *Machine) notifyLocked() {
	for _, fn := range m.observers {
		fn(m.cur)
	}
}

func clamp(p int) int {
	return max(0, min(100, p))
}
