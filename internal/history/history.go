package history

import (
	"context"
	"errors"
	"io"
	"time"
)

// EventType defines the kind of build lifecycle event.
type EventType string

const (
	// EventStarted marks the beginning of a build session.
	EventStarted EventType = "started"
	// EventStage marks a named stage transition during the build.
	EventStage EventType = "stage"
	// EventReady marks a session whose dev server came up.
	EventReady EventType = "ready"
	// EventFailed marks a session that gave up.
	EventFailed EventType = "failed"
)

// Event represents a build lifecycle event to be exported to external
// systems (analytics/statistics).
type Event struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	Stage      string    `json:"stage,omitempty"`
	Message    string    `json:"message,omitempty"`
	Progress   int       `json:"progress"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout delivers every event to all configured sinks. A failing sink does
// not stop delivery to the others; Send returns the joined errors.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
