// Package supervisor tracks the long-running processes owned by build
// sessions, one record per session. It observes exits asynchronously, kills
// with graceful-then-forceful escalation, and sweeps overage processes so
// abandoned sessions cannot leak dev servers.
package supervisor

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/appdraft/appdraft/internal/metrics"
)

// Kind distinguishes the session's primary dev-server process from
// auxiliaries started alongside it.
type Kind string

const (
	KindPrimary   Kind = "primary"
	KindAuxiliary Kind = "auxiliary"
)

// Meta is the bookkeeping recorded alongside a process at registration.
// Output, when set, is closed once the process has been reaped.
type Meta struct {
	Kind    Kind
	Port    int
	WorkDir string
	Output  io.Closer
}

// Info is the read-only view of one managed process record.
type Info struct {
	SessionID string
	PID       int
	Kind      Kind
	Port      int
	WorkDir   string
	StartedAt time.Time
}

type record struct {
	info   Info
	cmd    *exec.Cmd
	output io.Closer
	done   chan struct{} // closed when the exit watcher reaps the process
}

// Options configures a Supervisor. Zero values fall back to defaults.
type Options struct {
	KillGrace  time.Duration // SIGTERM to SIGKILL escalation gap (default 5s)
	MaxAge     time.Duration // process age ceiling (default 30m)
	SweepEvery time.Duration // sweep cadence (default 2m)
}

const (
	defaultKillGrace  = 5 * time.Second
	defaultMaxAge     = 30 * time.Minute
	defaultSweepEvery = 2 * time.Minute
)

// Supervisor is an owned instance; construct with New and release with Close.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*record

	killGrace  time.Duration
	maxAge     time.Duration
	sweepEvery time.Duration
	quit       chan struct{}
	closeOnce  sync.Once
}

// New builds a Supervisor and starts its background sweep.
func New(opts Options) *Supervisor {
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}
	s := &Supervisor{
		procs:      make(map[string]*record),
		killGrace:  opts.KillGrace,
		maxAge:     opts.MaxAge,
		sweepEvery: opts.SweepEvery,
		quit:       make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// NewCommand builds an *exec.Cmd in its own process group so termination
// signals reach the whole process tree, not just the direct child.
func NewCommand(name string, arg ...string) *exec.Cmd {
	cmd := exec.Command(name, arg...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// Register stores a record for the started cmd, replacing any prior record
// for the session, and attaches the exit watcher. The supervisor owns
// reaping from here on: no other goroutine may call Wait on cmd. A cmd with
// no underlying OS process yet is logged and ignored.
func (s *Supervisor) Register(sessionID string, cmd *exec.Cmd, meta Meta) {
	if cmd == nil || cmd.Process == nil {
		slog.Warn("Refusing to register process without a PID", "session", sessionID)
		return
	}
	if meta.Kind == "" {
		meta.Kind = KindAuxiliary
	}
	rec := &record{
		info: Info{
			SessionID: sessionID,
			PID:       cmd.Process.Pid,
			Kind:      meta.Kind,
			Port:      meta.Port,
			WorkDir:   meta.WorkDir,
			StartedAt: time.Now(),
		},
		cmd:    cmd,
		output: meta.Output,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	if old := s.procs[sessionID]; old != nil {
		slog.Warn("Replacing existing process record", "session", sessionID, "old_pid", old.info.PID, "new_pid", rec.info.PID)
	}
	s.procs[sessionID] = rec
	metrics.SetActiveProcesses(len(s.procs))
	s.mu.Unlock()
	slog.Info("Registered session process", "session", sessionID, "pid", rec.info.PID, "kind", meta.Kind, "port", meta.Port)
	go s.watch(rec)
}

// Get returns the session's record info, read-only.
func (s *Supervisor) Get(sessionID string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.procs[sessionID]
	if !ok {
		return Info{}, false
	}
	return rec.info, true
}

// Count reports how many processes are currently tracked.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// PIDs snapshots the supervised processes as sessionID -> PID, for resource
// sampling.
func (s *Supervisor) PIDs() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.procs))
	for id, rec := range s.procs {
		out[id] = rec.info.PID
	}
	return out
}

// Kill removes the session's record immediately and terminates the process
// in the background with SIGTERM, escalating to SIGKILL after the grace
// period. The record's absence means "no longer tracked", not "already
// dead". Returns whether a record existed.
func (s *Supervisor) Kill(sessionID string) bool {
	return s.killWithReason(sessionID, "api")
}

func (s *Supervisor) killWithReason(sessionID, reason string) bool {
	s.mu.Lock()
	rec, ok := s.procs[sessionID]
	if ok {
		delete(s.procs, sessionID)
		metrics.SetActiveProcesses(len(s.procs))
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	metrics.IncProcessKilled(reason)
	go s.terminate(rec)
	return true
}

// KillAll terminates every tracked process and blocks until each has either
// been reaped or exhausted its escalation. Used at process-wide shutdown.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	snapshot := make([]*record, 0, len(s.procs))
	for _, rec := range s.procs {
		snapshot = append(snapshot, rec)
	}
	s.procs = make(map[string]*record)
	metrics.SetActiveProcesses(0)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range snapshot {
		wg.Add(1)
		metrics.IncProcessKilled("shutdown")
		go func(r *record) {
			defer wg.Done()
			s.terminate(r)
		}(rec)
	}
	wg.Wait()
	if len(snapshot) > 0 {
		slog.Info("Killed all session processes", "count", len(snapshot))
	}
}

// SweepOnce kills every process older than the max age and reports how many
// were reclaimed.
func (s *Supervisor) SweepOnce() int {
	now := time.Now()
	s.mu.Lock()
	var stale []string
	for id, rec := range s.procs {
		if now.Sub(rec.info.StartedAt) > s.maxAge {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	n := 0
	for _, id := range stale {
		if s.killWithReason(id, "age") {
			slog.Info("Killed session process past max age", "session", id)
			n++
		}
	}
	return n
}

// Close stops the background sweep. Tracked processes are left running; use
// KillAll for shutdown.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	return nil
}

// watch reaps the process and removes its record, unless the record was
// already replaced or untracked. Primary processes additionally have their
// workspace removed, asynchronously and best-effort, once no newer record
// points at it.
func (s *Supervisor) watch(rec *record) {
	err := rec.cmd.Wait()
	close(rec.done)

	s.mu.Lock()
	cur, tracked := s.procs[rec.info.SessionID]
	replaced := tracked && cur != rec
	if tracked && cur == rec {
		delete(s.procs, rec.info.SessionID)
		metrics.SetActiveProcesses(len(s.procs))
	}
	s.mu.Unlock()

	metrics.IncProcessReaped()
	if rec.output != nil {
		_ = rec.output.Close()
	}
	if err != nil {
		slog.Info("Session process exited", "session", rec.info.SessionID, "pid", rec.info.PID, "error", err)
	} else {
		slog.Info("Session process exited", "session", rec.info.SessionID, "pid", rec.info.PID)
	}

	if rec.info.Kind == KindPrimary && rec.info.WorkDir != "" && !replaced {
		go func(session, dir string) {
			if err := os.RemoveAll(dir); err != nil {
				slog.Warn("Failed to remove session workspace", "session", session, "dir", dir, "error", err)
			}
		}(rec.info.SessionID, rec.info.WorkDir)
	}
}

// terminate escalates SIGTERM to SIGKILL against the process group, waiting
// on the exit watcher to observe death.
func (s *Supervisor) terminate(rec *record) {
	pid := rec.info.PID
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Group signal can fail when the child never got its own group.
		_ = rec.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-rec.done:
		return
	case <-time.After(s.killGrace):
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = rec.cmd.Process.Kill()
	}
	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		slog.Warn("Process did not exit after SIGKILL", "session", rec.info.SessionID, "pid", pid)
	}
}

func (s *Supervisor) sweepLoop() {
	t := time.NewTicker(s.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.SweepOnce()
		case <-s.quit:
			return
		}
	}
}
