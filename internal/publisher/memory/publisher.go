// Package memory records published audit events in memory for tests
// and single-process deployments without a message bus.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Published captures one publish call.
type Published struct {
	Topic   string
	Payload any
}

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []Published
}

// New returns an empty memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo message ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Published{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns a copy of the recorded publishes.
func (p *Publisher) Events() []Published {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Published, len(p.events))
	copy(out, p.events)
	return out
}
