package services

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"

	"breedscope.app/internal/core/domain"
)

func pngBytes(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type memArtifacts struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemArtifacts() *memArtifacts { return &memArtifacts{blobs: map[string][]byte{}} }

func (m *memArtifacts) Put(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = append([]byte(nil), data...)
	return nil
}

func (m *memArtifacts) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[name]
	if !ok {
		return nil, domain.ErrArtifactNotFound
	}
	return b, nil
}

func (m *memArtifacts) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, name)
	return nil
}

func (m *memArtifacts) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[name]
	return ok
}

// memBroker implements JobStore, JobQueue, ProgressPubSub and DeadLetters in memory.
type memBroker struct {
	mu     sync.Mutex
	jobs   map[string]domain.ExplainJob
	queue  chan string
	subs   map[string][]chan domain.ProgressEvent
	events []domain.ProgressEvent
	dead   map[string]string
}

func newMemBroker() *memBroker {
	return &memBroker{
		jobs:  map[string]domain.ExplainJob{},
		queue: make(chan string, 16),
		subs:  map[string][]chan domain.ProgressEvent{},
		dead:  map[string]string{},
	}
}

func (b *memBroker) Save(_ context.Context, job *domain.ExplainJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[job.ID] = *job
	return nil
}

func (b *memBroker) Get(_ context.Context, id string) (*domain.ExplainJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &job, nil
}

func (b *memBroker) Enqueue(_ context.Context, id string) error {
	b.queue <- id
	return nil
}

func (b *memBroker) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-b.queue:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *memBroker) Publish(_ context.Context, ev domain.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	for _, ch := range b.subs[ev.JobID] {
		ch <- ev
	}
	return nil
}

func (b *memBroker) Subscribe(_ context.Context, id string) (<-chan domain.ProgressEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.ProgressEvent, 256)
	b.subs[id] = append(b.subs[id], ch)
	return ch, nil
}

func (b *memBroker) Add(_ context.Context, job *domain.ExplainJob, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead[job.ID] = reason
	return nil
}

func (b *memBroker) published() []domain.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.ProgressEvent(nil), b.events...)
}

type stubExplainer struct {
	steps []int
	err   error
	block chan struct{}
}

func (s *stubExplainer) Explain(ctx context.Context, img image.Image, report func(int)) (image.Image, error) {
	for _, p := range s.steps {
		report(p)
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return img, nil
}

type stubClassifier struct {
	labels []string
	probs  []float64
	err    error
}

func (s *stubClassifier) Labels() []string { return s.labels }

func (s *stubClassifier) PredictBatch(_ context.Context, imgs []image.Image) ([][]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float64, len(imgs))
	for i := range out {
		out[i] = s.probs
	}
	return out, nil
}

type memHistory struct {
	mu      sync.Mutex
	entries []*domain.HistoryEntry
}

func (m *memHistory) AddEntry(_ context.Context, e *domain.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memHistory) ListEntries(_ context.Context, username string) ([]*domain.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.HistoryEntry
	for _, e := range m.entries {
		if e.Username == username {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memHistory) DeleteEntry(_ context.Context, username, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Username != username || e.Filename != filename {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

func (m *memHistory) DeleteAllEntries(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Username != username {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

type memUsers struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (m *memUsers) CreateUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users == nil {
		m.users = map[string]*domain.User{}
	}
	if _, ok := m.users[u.Username]; ok {
		return domain.ErrUserExists
	}
	m.users[u.Username] = u
	return nil
}

func (m *memUsers) GetUserByName(_ context.Context, name string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[name]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return u, nil
}
