// Package workflow composes the supervisor, hub, ledger, runner and the
// generation collaborators into the session operations the API layer exposes:
// start a build, apply a change, poll or subscribe to progress, clean up.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/appdraft/appdraft/internal/applier"
	"github.com/appdraft/appdraft/internal/env"
	"github.com/appdraft/appdraft/internal/event"
	"github.com/appdraft/appdraft/internal/generator"
	"github.com/appdraft/appdraft/internal/history"
	"github.com/appdraft/appdraft/internal/hub"
	"github.com/appdraft/appdraft/internal/ledger"
	"github.com/appdraft/appdraft/internal/logger"
	"github.com/appdraft/appdraft/internal/metrics"
	"github.com/appdraft/appdraft/internal/netinfo"
	"github.com/appdraft/appdraft/internal/runner"
	"github.com/appdraft/appdraft/internal/store"
	"github.com/appdraft/appdraft/internal/supervisor"
	"github.com/appdraft/appdraft/pkg/template"
)

// appName is the directory the scaffold command creates inside each session
// workspace; every project lives at <root>/<sessionID>/app.
const appName = "app"

// archiveTimeout bounds best-effort store and history writes so a slow
// backend never stalls a build.
const archiveTimeout = 5 * time.Second

// Build stages, in order. The runner reuses StageScaffolding for its own
// starting/completed updates during the scaffold step.
const (
	StagePreparing   = "preparing"
	StageScaffolding = "scaffolding"
	StageGenerating  = "generating"
	StageApplying    = "applying"
	StageStarting    = "starting"
	StageReady       = "ready"
)

// Options carries the constructor-injected collaborators. Supervisor, Hub,
// Ledger, Runner and Catalog are required; Generator, Store and History are
// optional and their absence disables the corresponding step.
type Options struct {
	Supervisor *supervisor.Supervisor
	Hub        *hub.Hub
	Ledger     *ledger.Ledger
	Runner     *runner.Runner
	Generator  generator.Generator
	Catalog    *template.Catalog
	Store      store.Store
	History    history.Sink
	Logs       logger.Config // rotating writers for dev server output

	WorkRoot       string   // session workspaces live under here
	PortStart      int      // free-port scan starts here
	Env            []string // KEY=VALUE applied to every spawned process
	CommandTimeout time.Duration
	MaxFiles       int // context files handed to the generator
	MaxFileBytes   int // per-file context byte cap
}

// Workflow drives build sessions. One instance serves all sessions; each
// session's build runs sequentially in its own goroutine (the caller's).
type Workflow struct {
	supervisor *supervisor.Supervisor
	hub        *hub.Hub
	ledger     *ledger.Ledger
	runner     *runner.Runner
	generator  generator.Generator
	catalog    *template.Catalog
	store      store.Store
	history    history.Sink
	logs       logger.Config

	root         string
	portStart    int
	envset       *env.Env
	baseEnv      []string
	cmdTimeout   time.Duration
	maxFiles     int
	maxFileBytes int
}

func New(opts Options) (*Workflow, error) {
	if opts.Supervisor == nil || opts.Hub == nil || opts.Ledger == nil || opts.Runner == nil {
		return nil, errors.New("workflow requires supervisor, hub, ledger and runner")
	}
	if opts.Catalog == nil {
		opts.Catalog = template.NewCatalog()
	}
	if opts.WorkRoot == "" {
		opts.WorkRoot = filepath.Join(os.TempDir(), "appdraft", "sessions")
	}
	if opts.PortStart <= 0 {
		opts.PortStart = 8081
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = runner.DefaultTimeout
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = generator.DefaultMaxFiles
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = generator.DefaultMaxFileBytes
	}
	return &Workflow{
		supervisor:   opts.Supervisor,
		hub:          opts.Hub,
		ledger:       opts.Ledger,
		runner:       opts.Runner,
		generator:    opts.Generator,
		catalog:      opts.Catalog,
		store:        opts.Store,
		history:      opts.History,
		logs:         opts.Logs,
		root:         opts.WorkRoot,
		portStart:    opts.PortStart,
		envset:       env.New(),
		baseEnv:      opts.Env,
		cmdTimeout:   opts.CommandTimeout,
		maxFiles:     opts.MaxFiles,
		maxFileBytes: opts.MaxFileBytes,
	}, nil
}

// StartBuild runs the full prompt-to-dev-server sequence for one session.
// It blocks until the dev server is up (or the build failed); callers run it
// in a goroutine and follow along via Progress or Subscribe. Any unrecovered
// error lands in the ledger as an error update before it is returned.
func (w *Workflow) StartBuild(ctx context.Context, sessionID, prompt, templateName string) error {
	metrics.IncBuildStarted()
	w.archiveStart(sessionID, prompt, templateName)
	w.sendHistory(history.Event{Type: history.EventStarted, SessionID: sessionID, Stage: event.StageWaiting, Message: "Build accepted"})

	tpl, err := w.catalog.Get(templateName)
	if err != nil {
		return w.fail(sessionID, StagePreparing, "Unknown template", err)
	}

	w.checkpoint(sessionID, StagePreparing, "Preparing workspace", 5)
	ws := filepath.Join(w.root, sessionID)
	if err := resetDir(ws); err != nil {
		return w.fail(sessionID, StagePreparing, "Failed to prepare workspace", err)
	}

	projectDir, err := w.scaffold(ctx, sessionID, tpl, ws)
	if err != nil {
		return w.fail(sessionID, StageScaffolding, "Project scaffolding failed", err)
	}

	w.generate(ctx, sessionID, prompt, projectDir)

	w.checkpoint(sessionID, StageStarting, "Starting dev server", 70)
	port, err := netinfo.FindFreePort(ctx, w.portStart)
	if err != nil {
		return w.fail(sessionID, StageStarting, "No free port available", err)
	}
	if err := w.spawnDevServer(sessionID, tpl, ws, projectDir, port); err != nil {
		return w.fail(sessionID, StageStarting, "Failed to start dev server", err)
	}

	addr := netinfo.Reachable(port)
	res := &ledger.Result{
		URL:       addr.URL,
		ExpoURL:   fmt.Sprintf("exp://%s:%d", addr.IP, addr.Port),
		Host:      addr.IP,
		Port:      addr.Port,
		Reachable: addr.Reachable,
	}
	w.ledger.Complete(sessionID, fmt.Sprintf("Dev server running at %s", addr.URL), res)
	metrics.IncBuildFinished("ready")
	w.archiveResult(sessionID, store.StatusReady, addr.URL, addr.Port, nil)
	w.sendHistory(history.Event{Type: history.EventReady, SessionID: sessionID, Stage: StageReady, Message: addr.URL, Progress: 100})
	slog.Info("Build completed", "session", sessionID, "url", addr.URL, "reachable", addr.Reachable)
	return nil
}

// scaffold runs the template's scaffold command, retrying exactly once with
// the simplified variant, and returns the created project directory.
func (w *Workflow) scaffold(ctx context.Context, sessionID string, tpl template.Template, ws string) (string, error) {
	vars := template.Vars{Name: appName, Dir: ws}
	extraEnv := w.extraEnv(tpl, vars)

	name, args := tpl.ScaffoldCmd(vars)
	err := w.runner.Run(ctx, runner.Command{
		Name: name, Args: args, Dir: ws, Env: extraEnv,
		SessionID: sessionID, Stage: StageScaffolding, Timeout: w.cmdTimeout,
	})
	if err != nil {
		slog.Warn("Scaffold failed, retrying with simplified command", "session", sessionID, "error", err)
		w.recover(sessionID, StageScaffolding, "Retrying with a simplified scaffold command")
		name, args = tpl.FallbackCmd(vars)
		err = w.runner.Run(ctx, runner.Command{
			Name: name, Args: args, Dir: ws, Env: extraEnv,
			SessionID: sessionID, Stage: StageScaffolding, Timeout: w.cmdTimeout,
		})
		if err != nil {
			return "", err
		}
	}

	projectDir := filepath.Join(ws, appName)
	if st, err := os.Stat(projectDir); err != nil || !st.IsDir() {
		return "", fmt.Errorf("scaffold produced no project directory at %s", projectDir)
	}
	return projectDir, nil
}

// generate runs the optional prompt-driven generation step. Every failure in
// here degrades to the unmodified scaffold; the build carries on.
func (w *Workflow) generate(ctx context.Context, sessionID, prompt, projectDir string) {
	if w.generator == nil || strings.TrimSpace(prompt) == "" {
		return
	}
	w.checkpoint(sessionID, StageGenerating, "Generating code from prompt", 40)

	res, err := w.generator.Generate(ctx, prompt, collectContext(projectDir, w.maxFiles, w.maxFileBytes))
	if err != nil {
		slog.Warn("Code generation failed, continuing with scaffold", "session", sessionID, "error", err)
		w.checkpoint(sessionID, StageGenerating, "Code generation failed; continuing with the scaffold", 55)
		return
	}
	if len(res.Files) == 0 {
		msg := "No generated changes; continuing with the scaffold"
		if res.Explanation != "" {
			msg = truncate(res.Explanation, 200)
		}
		w.checkpoint(sessionID, StageGenerating, msg, 55)
		return
	}

	w.checkpoint(sessionID, StageApplying, fmt.Sprintf("Applying %d generated files", len(res.Files)), 60)
	if err := applier.Validate(projectDir, res.Files); err != nil {
		slog.Warn("Generated files rejected, continuing with scaffold", "session", sessionID, "error", err)
		w.checkpoint(sessionID, StageApplying, "Generated files rejected; continuing with the scaffold", 65)
		return
	}
	results, err := applier.Apply(projectDir, res.Files)
	if err != nil {
		slog.Warn("Apply failed, continuing with scaffold", "session", sessionID, "error", err)
		w.checkpoint(sessionID, StageApplying, "Applying generated files failed; continuing with the scaffold", 65)
		return
	}
	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
			metrics.IncChangeApplied()
			w.ledger.Output(sessionID, fmt.Sprintf("Applied %s", r.Path), false)
		} else {
			w.ledger.Output(sessionID, fmt.Sprintf("Failed to apply %s: %s", r.Path, r.Error), true)
		}
	}
	w.checkpoint(sessionID, StageApplying, fmt.Sprintf("Applied %d of %d generated files", ok, len(results)), 65)
}

// spawnDevServer starts the long-running dev server in its own process group
// and hands it to the supervisor as the session's primary process.
func (w *Workflow) spawnDevServer(sessionID string, tpl template.Template, ws, projectDir string, port int) error {
	vars := template.Vars{Name: appName, Dir: projectDir, Port: port}
	name, args := tpl.DevCmd(vars)

	cmd := supervisor.NewCommand(name, args...)
	cmd.Dir = projectDir
	cmd.Env = w.envset.Merge(w.extraEnv(tpl, vars))

	outW, errW, err := w.logs.ProcessWriters(sessionID)
	if err != nil {
		return err
	}
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}

	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return err
	}
	w.supervisor.Register(sessionID, cmd, supervisor.Meta{
		Kind:    supervisor.KindPrimary,
		Port:    port,
		WorkDir: ws,
		Output:  multiCloser{outW, errW},
	})
	return nil
}

// Progress returns the session's current record, draining the undelivered
// log portion for this poll cycle.
func (w *Workflow) Progress(sessionID string) ledger.Record {
	return w.ledger.Read(sessionID)
}

// Subscribe attaches a push sink for the session's events.
func (w *Workflow) Subscribe(sessionID string, sink hub.Sink) *hub.Subscriber {
	return w.hub.Subscribe(sessionID, sink)
}

// Unsubscribe detaches a subscriber without a terminal event.
func (w *Workflow) Unsubscribe(sessionID string, sub *hub.Subscriber) {
	w.hub.Unsubscribe(sessionID, sub)
}

// Cleanup tears one session down: dev server killed, subscribers evicted.
// Reports whether a tracked process existed.
func (w *Workflow) Cleanup(sessionID string) bool {
	killed := w.supervisor.Kill(sessionID)
	w.hub.ForceEvict(sessionID)
	slog.Info("Session cleaned up", "session", sessionID, "had_process", killed)
	return killed
}

// Shutdown kills every dev server and stops the hub, ledger and supervisor
// sweeps. Blocks until processes are reaped or ctx expires.
func (w *Workflow) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.supervisor.KillAll()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	_ = w.hub.Close()
	w.ledger.Close()
	_ = w.supervisor.Close()
	return err
}

// checkpoint records a workflow-level stage transition and forwards it to the
// history sinks.
func (w *Workflow) checkpoint(sessionID, stage, message string, percent int) {
	w.ledger.Progress(sessionID, stage, message, percent)
	w.sendHistory(history.Event{Type: history.EventStage, SessionID: sessionID, Stage: stage, Message: message, Progress: percent})
}

// recover clears a transient error state left by a failed-but-retried step so
// polling clients do not see the session as terminally failed mid-retry.
func (w *Workflow) recover(sessionID, stage, message string) {
	failed := false
	detail := ""
	w.ledger.Apply(sessionID, ledger.Update{Stage: &stage, Message: &message, Failed: &failed, Error: &detail})
}

// fail records the terminal failure everywhere it needs to land: ledger,
// metrics, archive store and history. The returned error wraps err under the
// failing stage.
func (w *Workflow) fail(sessionID, stage, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	w.ledger.Fail(sessionID, stage, message, err.Error())
	metrics.IncBuildFinished("failed")
	w.archiveResult(sessionID, store.StatusFailed, "", 0, err)
	w.sendHistory(history.Event{Type: history.EventFailed, SessionID: sessionID, Stage: stage, Message: message, Error: err.Error()})
	slog.Error("Build failed", "session", sessionID, "stage", stage, "error", err)
	return fmt.Errorf("%s: %w", stage, err)
}

func (w *Workflow) archiveStart(sessionID, prompt, templateName string) {
	if w.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	rec := store.Session{
		SessionID: sessionID,
		Prompt:    prompt,
		Template:  templateName,
		WorkDir:   filepath.Join(w.root, sessionID),
		StartedAt: time.Now().UTC(),
	}
	if err := w.store.RecordStart(ctx, rec); err != nil {
		slog.Warn("Failed to archive session start", "session", sessionID, "error", err)
	}
}

func (w *Workflow) archiveResult(sessionID, status, url string, port int, buildErr error) {
	if w.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := w.store.RecordResult(ctx, sessionID, status, url, port, buildErr); err != nil {
		slog.Warn("Failed to archive session result", "session", sessionID, "error", err)
	}
}

func (w *Workflow) sendHistory(e history.Event) {
	if w.history == nil {
		return
	}
	e.OccurredAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := w.history.Send(ctx, e); err != nil {
		slog.Warn("History sink rejected event", "session", e.SessionID, "type", e.Type, "error", err)
	}
}

// extraEnv renders the template's env entries and appends them after the
// configured base pairs, so template entries win on key collisions.
func (w *Workflow) extraEnv(tpl template.Template, v template.Vars) []string {
	out := make([]string, 0, len(w.baseEnv)+len(tpl.Env))
	out = append(out, w.baseEnv...)
	for _, e := range tpl.Env {
		out = append(out, template.Render(e, v))
	}
	return out
}

// resetDir clears and recreates a session workspace.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o750)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}

// multiCloser closes the dev server's output writers once the supervisor
// reaps the process.
type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		if c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
