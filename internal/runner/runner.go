// Package runner executes one external command to completion, streaming its
// stdout and stderr into the progress ledger line by line. A command either
// succeeds (exit 0) or resolves into a typed error; stderr output alone never
// fails a run.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/appdraft/appdraft/internal/ledger"
	"github.com/appdraft/appdraft/internal/logger"
	"github.com/appdraft/appdraft/internal/metrics"
)

const (
	// DefaultTimeout is the wall-clock ceiling per command.
	DefaultTimeout = 5 * time.Minute
	// killGrace is how long a timed-out command gets between SIGTERM and SIGKILL.
	killGrace = 10 * time.Second
	// tailLimit bounds how much captured output is kept for failure reporting.
	tailLimit = 64 * 1024
)

// ErrWorkdir marks a working directory that failed the run precondition.
var ErrWorkdir = errors.New("working directory unusable")

// Command describes a single run.
type Command struct {
	Name      string        // executable to run
	Args      []string      // arguments, already split
	Dir       string        // working directory; must exist and be writable
	Env       []string      // KEY=VALUE pairs appended to the parent environment
	SessionID string        // when set with Stage, progress flows into the ledger
	Stage     string        // stage label for progress updates
	Timeout   time.Duration // per-command ceiling; DefaultTimeout when zero
}

// StartError reports that the command never started.
type StartError struct {
	Cmd string
	Err error
}

func (e *StartError) Error() string { return fmt.Sprintf("start %q: %v", e.Cmd, e.Err) }
func (e *StartError) Unwrap() error { return e.Err }

// ExitError reports a nonzero exit, with the captured output tail.
type ExitError struct {
	Cmd    string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%q exited with code %d", e.Cmd, e.Code)
}

// TimeoutError reports that the wall-clock ceiling was hit and the command
// was killed.
type TimeoutError struct {
	Cmd     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%q timed out after %s", e.Cmd, e.Timeout)
}

// Options configures a Runner. The zero value runs commands without progress
// reporting or file mirroring.
type Options struct {
	Ledger *ledger.Ledger // receives progress and output updates; may be nil
	Mirror logger.Config  // when file destinations are set, raw output also goes to rotating logs
}

// Runner runs commands and feeds their output into the ledger.
type Runner struct {
	ledger *ledger.Ledger
	mirror logger.Config
}

// New builds a Runner.
func New(opts Options) *Runner {
	return &Runner{ledger: opts.Ledger, mirror: opts.Mirror}
}

// line is one unit of output fan-in from the scanner goroutines.
type line struct {
	text   string
	stderr bool
}

// Run executes cmd to completion and returns nil on exit 0. Failures resolve
// to *StartError, *ExitError or *TimeoutError; a canceled ctx kills the
// command and returns the context error. When SessionID and Stage are set the
// run emits a 0% starting update, one output update per line, and either a
// 100% completed update or a failure update.
func (r *Runner) Run(ctx context.Context, cmd Command) error {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := checkWorkdir(cmd.Dir); err != nil {
		return err
	}

	display := displayName(cmd)
	report := cmd.SessionID != "" && cmd.Stage != "" && r.ledger != nil
	if report {
		r.ledger.Progress(cmd.SessionID, cmd.Stage, fmt.Sprintf("Starting %s", cmd.Name), 0)
	}
	metrics.IncCommandRun(cmd.Stage)
	started := time.Now()

	// #nosec G204 -- command and args come from the template catalog, not request input
	c := exec.Command(cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return r.failStart(cmd, display, err, report)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return r.failStart(cmd, display, err, report)
	}

	outMirror, errMirror := r.mirrorWriters(cmd)
	closeMirrors := func() {
		if outMirror != nil {
			_ = outMirror.Close()
		}
		if errMirror != nil {
			_ = errMirror.Close()
		}
	}

	if err := c.Start(); err != nil {
		closeMirrors()
		return r.failStart(cmd, display, err, report)
	}
	slog.Debug("Command started", "cmd", display, "pid", c.Process.Pid, "session", cmd.SessionID, "stage", cmd.Stage)

	// Scanner goroutines feed one channel; the loop below is the only place
	// output is handled, so ordering and termination stay linear.
	lines := make(chan line, 64)
	var scanners sync.WaitGroup
	scanners.Add(2)
	go scan(stdout, false, outMirror, lines, &scanners)
	go scan(stderr, true, errMirror, lines, &scanners)
	go func() {
		scanners.Wait()
		close(lines)
	}()

	outTail := newTail(tailLimit)
	errTail := newTail(tailLimit)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	done := ctx.Done()
	var timedOut, canceled, escalated bool

drain:
	for {
		select {
		case ln, ok := <-lines:
			if !ok {
				break drain
			}
			if ln.stderr {
				errTail.Append(ln.text)
			} else {
				outTail.Append(ln.text)
			}
			if report {
				r.ledger.Output(cmd.SessionID, ln.text, ln.stderr)
			}
		case <-timer.C:
			if escalated {
				signalGroup(c, syscall.SIGKILL)
				continue
			}
			timedOut = true
			escalated = true
			slog.Warn("Command deadline exceeded", "cmd", display, "timeout", timeout, "session", cmd.SessionID)
			signalGroup(c, syscall.SIGTERM)
			timer.Reset(killGrace)
		case <-done:
			done = nil
			if escalated {
				continue
			}
			canceled = true
			escalated = true
			signalGroup(c, syscall.SIGTERM)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(killGrace)
		}
	}

	// Pipes are fully drained, so Wait cannot race the scanners.
	werr := c.Wait()
	closeMirrors()
	metrics.ObserveCommandDuration(cmd.Stage, time.Since(started).Seconds())

	switch {
	case timedOut:
		metrics.IncCommandFailure(cmd.Stage, "timeout")
		if report {
			r.ledger.Fail(cmd.SessionID, cmd.Stage, fmt.Sprintf("%s timed out after %s", cmd.Name, timeout), captured(errTail, outTail))
		}
		return &TimeoutError{Cmd: display, Timeout: timeout}
	case canceled:
		metrics.IncCommandFailure(cmd.Stage, "canceled")
		if report {
			r.ledger.Fail(cmd.SessionID, cmd.Stage, fmt.Sprintf("%s canceled", cmd.Name), captured(errTail, outTail))
		}
		return ctx.Err()
	case werr != nil:
		code := -1
		var ee *exec.ExitError
		if errors.As(werr, &ee) {
			code = ee.ExitCode()
		}
		out := captured(errTail, outTail)
		metrics.IncCommandFailure(cmd.Stage, "exit")
		if report {
			r.ledger.Fail(cmd.SessionID, cmd.Stage, fmt.Sprintf("%s exited with code %d", cmd.Name, code), out)
		}
		return &ExitError{Cmd: display, Code: code, Output: out}
	default:
		if report {
			r.ledger.Progress(cmd.SessionID, cmd.Stage, fmt.Sprintf("%s completed", cmd.Name), 100)
		}
		slog.Debug("Command completed", "cmd", display, "session", cmd.SessionID, "duration", time.Since(started))
		return nil
	}
}

func (r *Runner) failStart(cmd Command, display string, err error, report bool) error {
	metrics.IncCommandFailure(cmd.Stage, "start")
	if report {
		r.ledger.Fail(cmd.SessionID, cmd.Stage, fmt.Sprintf("Failed to start %s", cmd.Name), err.Error())
	}
	return &StartError{Cmd: display, Err: err}
}

// mirrorWriters opens rotating log writers when the mirror config names any
// destination. Each session/stage pair gets its own file under Dir.
func (r *Runner) mirrorWriters(cmd Command) (io.WriteCloser, io.WriteCloser) {
	m := r.mirror
	if m.File.Dir == "" && m.File.StdoutPath == "" && m.File.StderrPath == "" {
		return nil, nil
	}
	if m.File.Dir != "" {
		_ = os.MkdirAll(m.File.Dir, 0o750)
	}
	name := cmd.SessionID
	if name == "" {
		name = filepath.Base(cmd.Name)
	}
	if cmd.Stage != "" {
		name = name + "." + cmd.Stage
	}
	outW, errW, _ := m.ProcessWriters(name)
	return outW, errW
}

func scan(src io.Reader, stderr bool, mirror io.Writer, lines chan<- line, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		text := sc.Text()
		if mirror != nil {
			_, _ = mirror.Write(append([]byte(text), '\n'))
		}
		lines <- line{text: text, stderr: stderr}
	}
}

// signalGroup signals the whole process group, falling back to the direct
// process when no group exists.
func signalGroup(c *exec.Cmd, sig syscall.Signal) {
	if c.Process == nil {
		return
	}
	if err := syscall.Kill(-c.Process.Pid, sig); err != nil {
		_ = c.Process.Signal(sig)
	}
}

// checkWorkdir verifies the directory exists and is writable before anything
// is spawned in it.
func checkWorkdir(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: directory not set", ErrWorkdir)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWorkdir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrWorkdir, dir)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: %s is not writable: %v", ErrWorkdir, dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// captured picks what a failure report carries: stderr first, stdout as
// fallback, placeholder when the command was silent.
func captured(errTail, outTail *tail) string {
	if !errTail.Empty() {
		return errTail.String()
	}
	if !outTail.Empty() {
		return outTail.String()
	}
	return "command produced no output"
}

func displayName(c Command) string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// tail accumulates stream output bounded to the most recent max bytes.
type tail struct {
	buf []byte
	max int
}

func newTail(max int) *tail { return &tail{max: max} }

func (t *tail) Append(line string) {
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *tail) String() string { return strings.TrimSuffix(string(t.buf), "\n") }

func (t *tail) Empty() bool { return len(t.buf) == 0 }
