// Package hub fans progress events out to live subscribers. It holds zero or
// more channels per session, prunes dead ones through liveness probes and
// idle ceilings, and supports forced eviction for session teardown. Delivery
// is best-effort; the ledger remains the durable path.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/appdraft/appdraft/internal/event"
	"github.com/appdraft/appdraft/internal/metrics"
)

// Sink is one push-capable delivery target. Send must return promptly (bound
// any network write with a deadline); an error marks the subscriber dead.
type Sink interface {
	Send(ev event.Event) error
	Close() error
}

// Subscriber is the opaque handle returned by Subscribe.
type Subscriber struct {
	sink         Sink
	lastActivity time.Time // guarded by the hub mutex
}

// Options configures a Hub. Zero values fall back to defaults.
type Options struct {
	ProbeAfter time.Duration // idle time before a liveness probe (default 30s)
	EvictAfter time.Duration // idle time before unconditional eviction (default 90s)
	SweepEvery time.Duration // sweep cadence (default 30s)
}

const (
	defaultProbeAfter = 30 * time.Second
	defaultEvictAfter = 90 * time.Second
	defaultSweepEvery = 30 * time.Second
)

// Hub is an owned instance; construct with New and release with Close.
type Hub struct {
	mu       sync.Mutex
	sessions map[string][]*Subscriber
	total    int

	probeAfter time.Duration
	evictAfter time.Duration
	sweepEvery time.Duration
	quit       chan struct{}
	closeOnce  sync.Once
}

// New builds a Hub and starts its background sweep.
func New(opts Options) *Hub {
	if opts.ProbeAfter <= 0 {
		opts.ProbeAfter = defaultProbeAfter
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = defaultEvictAfter
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}
	h := &Hub{
		sessions:   make(map[string][]*Subscriber),
		probeAfter: opts.ProbeAfter,
		evictAfter: opts.EvictAfter,
		sweepEvery: opts.SweepEvery,
		quit:       make(chan struct{}),
	}
	go h.sweepLoop()
	return h
}

// Subscribe attaches sink to the session. When the session already has
// channels, stale ones are probed and pruned first; the new channel is added
// regardless of the outcome and receives a synthetic connected event that is
// not broadcast to the others.
func (h *Hub) Subscribe(sessionID string, sink Sink) *Subscriber {
	now := time.Now()
	h.mu.Lock()
	if len(h.sessions[sessionID]) > 0 {
		h.pruneSessionLocked(sessionID, now)
	}
	sub := &Subscriber{sink: sink, lastActivity: now}
	h.sessions[sessionID] = append(h.sessions[sessionID], sub)
	h.total++
	metrics.SetSubscribers(h.total)
	h.mu.Unlock()

	if err := sink.Send(event.Connected()); err != nil {
		slog.Debug("New subscriber failed its connected event", "session", sessionID, "error", err)
		h.drop(sessionID, sub, "dead")
	}
	return sub
}

// Unsubscribe detaches one channel and closes its sink. The session's set is
// removed entirely once empty.
func (h *Hub) Unsubscribe(sessionID string, sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	found := h.removeLocked(sessionID, sub)
	h.mu.Unlock()
	if found {
		_ = sub.sink.Close()
	}
}

// Broadcast delivers ev to every channel of the session and reports whether
// at least one accepted it. Failing channels are collected during the pass
// and dropped after it; one channel's failure never affects the others.
func (h *Hub) Broadcast(sessionID string, ev event.Event) bool {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.sessions[sessionID]
	if len(subs) == 0 {
		return false
	}
	var dead []*Subscriber
	delivered := 0
	for _, sub := range subs {
		if err := sub.sink.Send(ev); err != nil {
			dead = append(dead, sub)
			continue
		}
		sub.lastActivity = now
		delivered++
	}
	for _, sub := range dead {
		if h.removeLocked(sessionID, sub) {
			_ = sub.sink.Close()
			metrics.IncSubscriberEvicted("dead")
		}
	}
	metrics.AddEventsDelivered(delivered)
	metrics.AddEventsDropped(len(dead))
	return delivered > 0
}

// ForceEvict sends a best-effort terminal event to every channel of the
// session, closes every sink, and drops the whole set unconditionally.
func (h *Hub) ForceEvict(sessionID string) {
	h.mu.Lock()
	subs := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.total -= len(subs)
	metrics.SetSubscribers(h.total)
	h.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	ev := event.Closed()
	for _, sub := range subs {
		_ = sub.sink.Send(ev)
		_ = sub.sink.Close()
		metrics.IncSubscriberEvicted("forced")
	}
	slog.Info("Force evicted session subscribers", "session", sessionID, "count", len(subs))
}

// Count reports how many channels the session currently has.
func (h *Hub) Count(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

// SweepOnce runs the probe-and-prune pass over every session.
func (h *Hub) SweepOnce() {
	now := time.Now()
	h.mu.Lock()
	for sessionID := range h.sessions {
		h.pruneSessionLocked(sessionID, now)
	}
	h.mu.Unlock()
}

// Close stops the sweep and force-evicts every remaining subscriber.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() { close(h.quit) })
	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.ForceEvict(id)
	}
	return nil
}

// pruneSessionLocked probes channels idle past probeAfter and removes the
// ones that error. Channels idle past evictAfter are removed without a probe;
// a sink that neither confirms nor errors must not pin its channel forever.
func (h *Hub) pruneSessionLocked(sessionID string, now time.Time) {
	type victim struct {
		sub    *Subscriber
		reason string
	}
	var victims []victim
	for _, sub := range h.sessions[sessionID] {
		idle := now.Sub(sub.lastActivity)
		switch {
		case idle >= h.evictAfter:
			victims = append(victims, victim{sub, "idle"})
		case idle >= h.probeAfter:
			if err := sub.sink.Send(event.Heartbeat()); err != nil {
				victims = append(victims, victim{sub, "dead"})
			} else {
				sub.lastActivity = now
			}
		}
	}
	for _, v := range victims {
		if h.removeLocked(sessionID, v.sub) {
			_ = v.sub.sink.Close()
			metrics.IncSubscriberEvicted(v.reason)
		}
	}
	if len(victims) > 0 {
		slog.Debug("Pruned stale subscribers", "session", sessionID, "removed", len(victims))
	}
}

// removeLocked splices sub out of the session's set and reports whether it
// was present. Callers close the sink outside the map bookkeeping.
func (h *Hub) removeLocked(sessionID string, sub *Subscriber) bool {
	subs := h.sessions[sessionID]
	for i, s := range subs {
		if s == sub {
			h.sessions[sessionID] = append(subs[:i:i], subs[i+1:]...)
			if len(h.sessions[sessionID]) == 0 {
				delete(h.sessions, sessionID)
			}
			h.total--
			metrics.SetSubscribers(h.total)
			return true
		}
	}
	return false
}

// drop removes sub under the lock and closes its sink.
func (h *Hub) drop(sessionID string, sub *Subscriber, reason string) {
	h.mu.Lock()
	found := h.removeLocked(sessionID, sub)
	h.mu.Unlock()
	if found {
		_ = sub.sink.Close()
		metrics.IncSubscriberEvicted(reason)
	}
}

func (h *Hub) sweepLoop() {
	t := time.NewTicker(h.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			h.SweepOnce()
		case <-h.quit:
			return
		}
	}
}
