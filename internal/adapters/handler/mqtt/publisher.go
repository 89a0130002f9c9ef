package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"breedscope.app/internal/core/logger"
	"breedscope.app/internal/core/ports"
)

// TopicPrefix is the root of every topic the publisher writes to.
const TopicPrefix = "breedscope"

// sink is the part of the MQTT client the publisher needs.
type sink interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher mirrors explanation progress events from the pub/sub port to MQTT.
type Publisher struct {
	client sink
	pubsub ports.ProgressPubSub
	prefix string
}

// NewPublisher connects to brokerURL.
func NewPublisher(pubsub ports.ProgressPubSub, brokerURL string) (*Publisher, func(), error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("breedscope-server-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, nil, token.Error()
	}

	logger.Info("Connected to MQTT broker", "broker", brokerURL)
	disconnect := func() { client.Disconnect(250) }
	return newPublisher(client, pubsub), disconnect, nil
}

func newPublisher(client sink, pubsub ports.ProgressPubSub) *Publisher {
	return &Publisher{client: client, pubsub: pubsub, prefix: TopicPrefix}
}

// Topic returns the topic carrying jobID's events.
func (p *Publisher) Topic(jobID string) string {
	return fmt.Sprintf("%s/lime/%s", p.prefix, jobID)
}

// Run forwards every job's events until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	ch, err := p.pubsub.Subscribe(ctx, "")
	if err != nil {
		return fmt.Errorf("subscribe to progress events: %w", err)
	}

	logger.Info("MQTT: started progress consumer")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.JobID == "" {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				logger.Warn("MQTT: failed to encode event", "job_id", ev.JobID, "error", err)
				continue
			}
			// Terminal events are retained so late subscribers still see the outcome.
			p.client.Publish(p.Topic(ev.JobID), 1, ev.Terminal(), payload)
		}
	}
}
