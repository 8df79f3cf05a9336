package events

import (
	"context"
	"sync"
)

// Event is one captured publication.
type Event struct {
	Topic   string
	Payload any
}

// Collector records events in memory for tests and single-process runs.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Publish(_ context.Context, topic string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Event{Topic: topic, Payload: payload})
	return nil
}

// Events returns a snapshot of everything published so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ByTopic filters the snapshot to one topic.
func (c *Collector) ByTopic(topic string) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
