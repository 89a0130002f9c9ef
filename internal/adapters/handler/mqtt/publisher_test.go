package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breedscope.app/internal/core/domain"
)

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeSink struct {
	mu  sync.Mutex
	out []published
}

func (f *fakeSink) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return nil
}

func (f *fakeSink) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.out...)
}

type chanPubSub struct {
	ch chan domain.ProgressEvent
}

func (c *chanPubSub) Publish(_ context.Context, ev domain.ProgressEvent) error {
	c.ch <- ev
	return nil
}

func (c *chanPubSub) Subscribe(_ context.Context, _ string) (<-chan domain.ProgressEvent, error) {
	return c.ch, nil
}

func TestPublisher_ForwardsEvents(t *testing.T) {
	sink := &fakeSink{}
	bus := &chanPubSub{ch: make(chan domain.ProgressEvent, 4)}
	p := newPublisher(sink, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	bus.Publish(ctx, domain.ProgressOf("abc", 30))
	bus.Publish(ctx, domain.ProgressEvent{JobID: "abc", LimeImage: "abc_lime.jpg"})

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	out := sink.snapshot()
	assert.Equal(t, "breedscope/lime/abc", out[0].topic)
	assert.False(t, out[0].retained)
	assert.True(t, out[1].retained)

	var ev domain.ProgressEvent
	require.NoError(t, json.Unmarshal(out[1].payload, &ev))
	assert.Equal(t, "abc_lime.jpg", ev.LimeImage)
}
