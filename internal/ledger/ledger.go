// Package ledger holds the authoritative per-session progress record. All
// build state flows through Apply; the push side (hub) only observes what the
// ledger has already merged, so polling and subscribing can never disagree.
package ledger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/appdraft/appdraft/internal/event"
	"github.com/appdraft/appdraft/internal/metrics"
)

// Result is the payload attached to the final completion update: where the
// running dev server can be reached.
type Result struct {
	URL       string `json:"url"`
	ExpoURL   string `json:"expoUrl,omitempty"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Reachable bool   `json:"reachable"`
}

// Record is one session's progress state. Logs is the cumulative history;
// NewLogs holds entries not yet handed out through Read.
type Record struct {
	Stage      string    `json:"stage"`
	Message    string    `json:"message"`
	Progress   int       `json:"progress"`
	IsComplete bool      `json:"isComplete"`
	HasError   bool      `json:"hasError"`
	Error      string    `json:"error,omitempty"`
	Logs       []string  `json:"logs"`
	NewLogs    []string  `json:"newLogs"`
	Result     *Result   `json:"result,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Update is a partial record. Nil pointer fields are left untouched by the
// merge; a non-empty Message additionally appends to both logs. Heartbeat
// updates refresh the activity stamp and are never merged or logged.
type Update struct {
	Stage     *string
	Message   *string
	Progress  *int
	Complete  *bool
	Failed    *bool
	Error     *string
	Result    *Result
	Heartbeat bool
}

// Broadcaster receives the event derived from every merged update. Delivery
// is best-effort; a false return or missing broadcaster is not an error.
type Broadcaster interface {
	Broadcast(sessionID string, ev event.Event) bool
}

// Options configures a Ledger. Zero values fall back to defaults.
type Options struct {
	SessionTimeout time.Duration // idle lifetime of a record (default 30m)
	SweepEvery     time.Duration // sweep cadence (default 5m)
}

const (
	defaultSessionTimeout = 30 * time.Minute
	defaultSweepEvery     = 5 * time.Minute
)

type entry struct {
	rec          Record
	lastActivity time.Time
}

// Ledger is an owned instance; construct with New and release with Close.
type Ledger struct {
	mu      sync.Mutex
	records map[string]*entry
	bc      Broadcaster

	timeout    time.Duration
	sweepEvery time.Duration
	quit       chan struct{}
	closeOnce  sync.Once
}

// New builds a Ledger and starts its background sweep.
func New(opts Options) *Ledger {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = defaultSessionTimeout
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}
	l := &Ledger{
		records:    make(map[string]*entry),
		timeout:    opts.SessionTimeout,
		sweepEvery: opts.SweepEvery,
		quit:       make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// SetBroadcaster attaches the push observer. Pass nil to detach.
func (l *Ledger) SetBroadcaster(b Broadcaster) {
	l.mu.Lock()
	l.bc = b
	l.mu.Unlock()
}

// Close stops the background sweep. Records remain readable.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() { close(l.quit) })
}

func defaultRecord() Record {
	return Record{
		Stage:   event.StageWaiting,
		Message: "Waiting",
		Logs:    []string{},
		NewLogs: []string{},
	}
}

// Progress records a stage transition with a percentage.
func (l *Ledger) Progress(sessionID, stage, message string, percent int) {
	l.Apply(sessionID, Update{Stage: &stage, Message: &message, Progress: &percent})
}

// Output records one line of process output. Lines from stderr carry the
// line as error detail as well; they still do not mark the session failed.
func (l *Ledger) Output(sessionID, line string, fromStderr bool) {
	u := Update{Message: &line}
	if fromStderr {
		u.Error = &line
	}
	l.Apply(sessionID, u)
}

// Complete records the terminal success state with its result payload.
func (l *Ledger) Complete(sessionID, message string, res *Result) {
	stage := "ready"
	done := true
	percent := 100
	l.Apply(sessionID, Update{Stage: &stage, Message: &message, Progress: &percent, Complete: &done, Result: res})
}

// Fail records a terminal failure. detail is the captured error output.
func (l *Ledger) Fail(sessionID, stage, message, detail string) {
	failed := true
	l.Apply(sessionID, Update{Stage: &stage, Message: &message, Failed: &failed, Error: &detail})
}

// Heartbeat refreshes a session's activity without touching its record.
func (l *Ledger) Heartbeat(sessionID string) {
	l.Apply(sessionID, Update{Heartbeat: true})
}

// Apply merges u onto the session's record, creating it when absent, then
// forwards the derived event to the broadcaster. The merge is shallow except
// for logs, which only ever append.
func (l *Ledger) Apply(sessionID string, u Update) {
	now := time.Now()
	heartbeat := u.Heartbeat || (u.Stage != nil && *u.Stage == event.StageHeartbeat)

	l.mu.Lock()
	e := l.records[sessionID]
	if e == nil {
		e = &entry{rec: defaultRecord()}
		l.records[sessionID] = e
		metrics.SetActiveSessions(len(l.records))
	}
	e.lastActivity = now
	if heartbeat {
		bc := l.bc
		l.mu.Unlock()
		if bc != nil {
			_ = bc.Broadcast(sessionID, event.Heartbeat())
		}
		return
	}
	if u.Stage != nil {
		e.rec.Stage = *u.Stage
	}
	if u.Message != nil {
		e.rec.Message = *u.Message
		if *u.Message != "" {
			e.rec.Logs = append(e.rec.Logs, *u.Message)
			e.rec.NewLogs = append(e.rec.NewLogs, *u.Message)
		}
	}
	if u.Progress != nil {
		e.rec.Progress = *u.Progress
	}
	if u.Complete != nil {
		e.rec.IsComplete = *u.Complete
	}
	if u.Failed != nil {
		e.rec.HasError = *u.Failed
	}
	if u.Error != nil {
		e.rec.Error = *u.Error
	}
	if u.Result != nil {
		e.rec.Result = u.Result
	}
	e.rec.UpdatedAt = now
	ev := eventFor(u, e.rec)
	bc := l.bc
	l.mu.Unlock()

	if bc != nil {
		_ = bc.Broadcast(sessionID, ev)
	}
}

// eventFor derives the push event for a merged update. The event reflects the
// fields the update carried; the record keeps the cumulative state.
func eventFor(u Update, rec Record) event.Event {
	ev := event.Event{Type: event.TypeProgress, Stage: rec.Stage, Timestamp: rec.UpdatedAt}
	if u.Message != nil {
		ev.Message = *u.Message
	}
	if u.Progress != nil {
		p := *u.Progress
		ev.Progress = &p
	}
	if u.Error != nil {
		ev.Error = *u.Error
	}
	switch {
	case u.Failed != nil && *u.Failed:
		ev.Type = event.TypeError
		if ev.Error == "" {
			ev.Error = rec.Error
		}
	case u.Complete != nil && *u.Complete:
		ev.Type = event.TypeCompleted
		if ev.Progress == nil {
			p := rec.Progress
			ev.Progress = &p
		}
	case u.Stage == nil && u.Progress == nil && u.Message != nil:
		ev.Type = event.TypeOutput
	}
	return ev
}

// Read returns the session's record, or the default one when none exists.
// The returned NewLogs are drained from the stored record in the same
// critical section, so no entry is ever handed out twice or skipped.
func (l *Ledger) Read(sessionID string) Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.records[sessionID]
	if e == nil {
		return defaultRecord()
	}
	out := e.rec
	out.Logs = append([]string(nil), e.rec.Logs...)
	out.NewLogs = e.rec.NewLogs
	e.rec.NewLogs = []string{}
	return out
}

// Peek returns the record without draining NewLogs.
func (l *Ledger) Peek(sessionID string) Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.records[sessionID]
	if e == nil {
		return defaultRecord()
	}
	out := e.rec
	out.Logs = append([]string(nil), e.rec.Logs...)
	out.NewLogs = append([]string(nil), e.rec.NewLogs...)
	return out
}

// Count reports how many session records are held.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// SweepOnce deletes records idle past the session timeout and reports how
// many were removed.
func (l *Ledger) SweepOnce() int {
	cutoff := time.Now().Add(-l.timeout)
	l.mu.Lock()
	removed := 0
	for id, e := range l.records {
		if e.lastActivity.Before(cutoff) {
			delete(l.records, id)
			removed++
		}
	}
	metrics.SetActiveSessions(len(l.records))
	l.mu.Unlock()
	if removed > 0 {
		metrics.AddSessionsReaped(removed)
		slog.Info("Swept idle session records", "removed", removed)
	}
	return removed
}

func (l *Ledger) sweepLoop() {
	t := time.NewTicker(l.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.SweepOnce()
		case <-l.quit:
			return
		}
	}
}
