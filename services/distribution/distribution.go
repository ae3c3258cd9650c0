// Package distribution publishes packaged updates to per-kind topics on the
// distribution bus. The orchestrator is the only component permitted to call
// this for update topics.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"updatehub/pkg/bus"
)

// Publisher is the at-least-once publish contract. The returned event id
// identifies the published event on the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) (string, error)
}

// BusPublisher publishes through NATS JetStream.
type BusPublisher struct {
	bus *bus.Bus
}

// NewBusPublisher creates a BusPublisher bound to the provided bus.
func NewBusPublisher(b *bus.Bus) (*BusPublisher, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	return &BusPublisher{bus: b}, nil
}

// Publish sends the payload to the topic and returns the bus event id.
func (p *BusPublisher) Publish(ctx context.Context, topic string, payload map[string]any) (string, error) {
	if p == nil {
		return "", errors.New("nil publisher")
	}
	return p.bus.Publish(ctx, topic, payload)
}

// Event is a captured publication, used by the in-memory publisher.
type Event struct {
	ID      string
	Topic   string
	Payload map[string]any
}

// Memory records publications in process, used in tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
	failN  int
}

// NewMemory returns an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// FailNext makes the next n Publish calls fail.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
}

// Publish records the event and returns a synthetic event id.
func (m *Memory) Publish(_ context.Context, topic string, payload map[string]any) (string, error) {
	if topic == "" {
		return "", errors.New("topic is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failN > 0 {
		m.failN--
		return "", errors.New("distribution bus unavailable")
	}

	event := Event{
		ID:      fmt.Sprintf("%s:%d", topic, len(m.events)+1),
		Topic:   topic,
		Payload: payload,
	}
	m.events = append(m.events, event)
	return event.ID, nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
