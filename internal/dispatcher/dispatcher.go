// Package dispatcher delivers run lifecycle events asynchronously: to
// webhooks with buffering, retry and circuit breaking, or to a Kafka topic.
package dispatcher

import (
	"ciengine/pkg/cloudevent"
	"context"
	"errors"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// Dispatcher delivers run lifecycle events without blocking the run that
// produced them.
type Dispatcher interface {
	// Dispatch queues an event. Returns ErrBufferFull if the event cannot
	// be queued; the event is then dropped.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is one run lifecycle event. The payload subject is the run id.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // subscriber URL; unused by the Kafka dispatcher
	SigningKey  string // resolved HMAC key, empty = unsigned
	Requeues    int    // times parked behind an open breaker
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total events queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
}
