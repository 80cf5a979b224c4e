package run

import (
	"ciengine/pkg/cloudevent"
	"fmt"
	"strings"
	"time"
)

// Event types for run lifecycle notifications
const (
	EventTypePrefix   = "ciengine.run."
	EventTypeQueued   = EventTypePrefix + "queued"
	EventTypeStarted  = EventTypePrefix + "started"
	EventTypeFinished = EventTypePrefix + "finished"
)

// EventName returns the short name of an event type ("queued", ...), as
// used by notification filters.
func EventName(eventType string) string {
	return strings.TrimPrefix(eventType, EventTypePrefix)
}

// EventBuilder builds CloudEvents for run lifecycle events.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// Build creates a lifecycle event for r. The run's id is the subject.
func (b *EventBuilder) Build(eventType string, r *Run) *cloudevent.CloudEvent {
	eventID := fmt.Sprintf("%s-%d", r.ID, time.Now().UnixNano())
	data := map[string]any{
		"runId":        r.ID,
		"definitionId": r.DefinitionID,
		"number":       r.Number,
		"state":        string(r.State),
		"revision":     r.Revision,
		"branch":       r.Branch,
	}
	if r.Cause != "" {
		data["cause"] = r.Cause
	}
	if len(r.Problems) > 0 {
		data["problems"] = r.Problems
	}
	if r.Error != "" {
		data["error"] = r.Error
		data["errorKind"] = r.ErrorKind
	}
	if r.State.Terminal() {
		data["durationMs"] = r.Duration().Milliseconds()
	}
	return cloudevent.New(eventType, b.source, r.ID, eventID, data)
}
