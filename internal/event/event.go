// Package event defines the closed set of progress events a build session
// emits. Every consumer (SSE handlers, channel subscriptions, history sinks)
// switches on Type; the JSON field names are part of the client contract and
// must not change.
package event

import "time"

// Type discriminates the event variants.
type Type string

const (
	// TypeProgress reports a stage transition or percentage change.
	TypeProgress Type = "progress"
	// TypeOutput carries one line of command output.
	TypeOutput Type = "output"
	// TypeCompleted marks the session's build as finished successfully.
	TypeCompleted Type = "completed"
	// TypeError marks a failure or a forced close.
	TypeError Type = "error"
	// TypeConnected is delivered once to a newly attached subscriber.
	TypeConnected Type = "connected"
)

// Stage labels with meaning beyond display.
const (
	// StageWaiting is the stage of a session that has not reported anything yet.
	StageWaiting = "waiting"
	// StageHeartbeat marks keep-alive traffic; the ledger never logs it.
	StageHeartbeat = "heartbeat"
	// StageClosed is set on the terminal event of a forced eviction.
	StageClosed = "closed"
)

// Event is the single wire shape for all variants. Optional fields are only
// populated for the variants that use them.
type Event struct {
	Type      Type      `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Progress  *int      `json:"progressPercent,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event ends the build phase of a session.
func (e Event) Terminal() bool {
	return e.Type == TypeCompleted || e.Type == TypeError
}

// Progress builds a progress event. percent is attached as-is; callers own
// any monotonicity convention.
func Progress(stage, message string, percent int) Event {
	p := percent
	return Event{Type: TypeProgress, Stage: stage, Message: message, Progress: &p, Timestamp: time.Now()}
}

// Output builds an output event for one line of process output. detail is the
// error-detail field and is set for stderr lines.
func Output(line, detail string) Event {
	return Event{Type: TypeOutput, Message: line, Error: detail, Timestamp: time.Now()}
}

// Completed builds the terminal success event.
func Completed(stage, message string) Event {
	p := 100
	return Event{Type: TypeCompleted, Stage: stage, Message: message, Progress: &p, Timestamp: time.Now()}
}

// Failure builds the terminal error event.
func Failure(stage, message, detail string) Event {
	return Event{Type: TypeError, Stage: stage, Message: message, Error: detail, Timestamp: time.Now()}
}

// Connected builds the synthetic event delivered to a new subscriber only.
func Connected() Event {
	return Event{Type: TypeConnected, Message: "connected", Timestamp: time.Now()}
}

// Heartbeat builds the keep-alive marker pushed through idle channels.
func Heartbeat() Event {
	return Event{Type: TypeProgress, Stage: StageHeartbeat, Timestamp: time.Now()}
}

// Closed builds the terminal event sent before a forced eviction drops a
// session's channels.
func Closed() Event {
	return Event{Type: TypeError, Stage: StageClosed, Message: "session closed", Error: "session closed by server", Timestamp: time.Now()}
}
