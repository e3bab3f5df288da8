// Package appdraft turns app ideas into running Expo dev servers: a prompt
// becomes a scaffolded project, generated code is applied on top, and the
// session stays live for chat-driven iteration. This package is the
// embedding facade over the internal engine; the same wiring backs the
// daemon in cmd/appdraft.
package appdraft

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/appdraft/appdraft/internal/applier"
	cfg "github.com/appdraft/appdraft/internal/config"
	"github.com/appdraft/appdraft/internal/event"
	"github.com/appdraft/appdraft/internal/generator"
	"github.com/appdraft/appdraft/internal/history"
	historyfactory "github.com/appdraft/appdraft/internal/history/factory"
	"github.com/appdraft/appdraft/internal/hub"
	"github.com/appdraft/appdraft/internal/ledger"
	"github.com/appdraft/appdraft/internal/metrics"
	"github.com/appdraft/appdraft/internal/runner"
	iapi "github.com/appdraft/appdraft/internal/server"
	"github.com/appdraft/appdraft/internal/store"
	storefactory "github.com/appdraft/appdraft/internal/store/factory"
	"github.com/appdraft/appdraft/internal/supervisor"
	"github.com/appdraft/appdraft/internal/workflow"
	"github.com/appdraft/appdraft/pkg/template"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Event = event.Event

type Record = ledger.Record

type BuildResult = ledger.Result

type ChangeResult = workflow.ChangeResult

type FileResult = applier.FileResult

type Config = cfg.Config

type TemplateConfig = cfg.TemplateConfig

type Template = template.Template

type Session = store.Session

type HistorySink = history.Sink

// Generator is the pluggable code generation interface. Provide your own
// implementation through Options to replace the configured provider.
type Generator = generator.Generator

type GeneratorResult = generator.Result

type FileChange = generator.FileChange

type ContextFile = generator.ContextFile

// ErrNoStore is returned by Recent when no archive store is configured.
var ErrNoStore = errors.New("session archive not configured")

// ErrNoWorkspace is returned by ApplyChange when the session has no
// scaffolded project directory.
var ErrNoWorkspace = workflow.ErrNoWorkspace

const (
	subscriptionBuffer = 64
	purgeEvery         = time.Hour
	setupTimeout       = 10 * time.Second
)

// Options configures New. A nil Config uses the built-in defaults.
type Options struct {
	Config    *Config
	Generator Generator // overrides the provider configured in Config when set
}

// App owns one orchestration engine: ledger, hub, supervisor, runner and
// workflow, plus the optional archive store and history sinks. Release it
// with Shutdown.
type App struct {
	cfg     *Config
	wf      *workflow.Workflow
	archive store.Store
	hist    *history.Fanout
	sampler *metrics.Sampler

	quit     chan struct{}
	stopOnce sync.Once
}

// New wires an App from configuration.
func New(opts Options) (*App, error) {
	c := opts.Config
	if c == nil {
		c = cfg.Default()
	}

	led := ledger.New(ledger.Options{
		SessionTimeout: c.Limits.SessionTimeout,
		SweepEvery:     c.Limits.LedgerSweep,
	})
	h := hub.New(hub.Options{
		ProbeAfter: c.Limits.ProbeAfter,
		EvictAfter: c.Limits.EvictAfter,
		SweepEvery: c.Limits.HubSweep,
	})
	led.SetBroadcaster(h)
	sup := supervisor.New(supervisor.Options{
		KillGrace:  c.Limits.KillGrace,
		MaxAge:     c.Limits.ProcessMaxAge,
		SweepEvery: c.Limits.ProcessSweep,
	})
	run := runner.New(runner.Options{Ledger: led, Mirror: c.Log})

	// Undo what already started if any later step fails.
	built := false
	var archive store.Store
	defer func() {
		if !built {
			_ = h.Close()
			led.Close()
			_ = sup.Close()
			if archive != nil {
				_ = archive.Close()
			}
		}
	}()

	gen := opts.Generator
	if gen == nil {
		var err error
		gen, err = generatorFromConfig(c.Generator)
		if err != nil {
			return nil, err
		}
	}

	if c.Store.DSN != "" {
		db, err := storefactory.NewFromDSN(c.Store.DSN)
		if err != nil {
			return nil, err
		}
		archive = db
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		err = db.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	var hist *history.Fanout
	if c.History.Enabled {
		f, err := historyfactory.FromOptions(historyfactory.Options{
			ClickHouseURL:   c.History.ClickHouseURL,
			ClickHouseTable: c.History.ClickHouseTable,
			OpenSearchURL:   c.History.OpenSearchURL,
			OpenSearchIndex: c.History.OpenSearchIndex,
		})
		if err != nil {
			// History is analytics; a dead sink must not block builds.
			slog.Warn("History sinks unavailable", "error", err)
		} else {
			hist = f
		}
	}

	env, err := c.SessionEnv()
	if err != nil {
		return nil, err
	}

	wfOpts := workflow.Options{
		Supervisor:     sup,
		Hub:            h,
		Ledger:         led,
		Runner:         run,
		Generator:      gen,
		Catalog:        template.NewCatalog(c.TemplateOverrides()...),
		Store:          archive,
		Logs:           c.Log,
		WorkRoot:       c.Workspace.Root,
		PortStart:      c.Workspace.PortStart,
		Env:            env,
		CommandTimeout: c.Limits.CommandTimeout,
		MaxFiles:       c.Generator.MaxFiles,
		MaxFileBytes:   c.Generator.MaxFileBytes,
	}
	if hist != nil {
		wfOpts.History = hist
	}
	wf, err := workflow.New(wfOpts)
	if err != nil {
		return nil, err
	}

	// The sampler is a no-op until metrics are registered somewhere.
	sampler := metrics.NewSampler(sup.PIDs, 0)

	app := &App{cfg: c, wf: wf, archive: archive, hist: hist, sampler: sampler, quit: make(chan struct{})}
	if archive != nil && c.Store.Retention > 0 {
		go app.purgeLoop(c.Store.Retention)
	}
	built = true
	return app, nil
}

// generatorFromConfig builds the configured provider. A missing API key
// degrades to scaffold-only sessions instead of refusing to start.
func generatorFromConfig(gc cfg.GeneratorConfig) (Generator, error) {
	switch gc.Provider {
	case "none":
		return nil, nil
	case "anthropic":
		if gc.APIKey == "" {
			slog.Warn("No generator API key configured; sessions will scaffold without generated code")
			return nil, nil
		}
		return generator.NewFromAPIKey(gc.APIKey, generator.Options{
			Model:        gc.Model,
			MaxTokens:    gc.MaxTokens,
			MaxFiles:     gc.MaxFiles,
			MaxFileBytes: gc.MaxFileBytes,
		})
	default:
		return nil, errors.New("unknown generator provider: " + gc.Provider)
	}
}

// NewSession mints a session id. Ids are also minted server-side on create;
// this is for embedders driving StartBuild directly.
func (a *App) NewSession() string { return uuid.NewString() }

// StartBuild runs the full pipeline for the session: scaffold, generate,
// apply, dev server. Blocks until the session is ready or failed; run it on
// its own goroutine to build asynchronously.
func (a *App) StartBuild(ctx context.Context, sessionID, prompt, templateName string) error {
	return a.wf.StartBuild(ctx, sessionID, prompt, templateName)
}

// ApplyChange sends one free-text change request against a built session.
func (a *App) ApplyChange(ctx context.Context, sessionID, input string) (*ChangeResult, error) {
	return a.wf.ApplyChange(ctx, sessionID, input)
}

// Progress reads the session's progress record, draining undelivered logs.
func (a *App) Progress(sessionID string) Record { return a.wf.Progress(sessionID) }

// Cleanup kills the session's dev server and evicts its subscribers.
func (a *App) Cleanup(sessionID string) bool { return a.wf.Cleanup(sessionID) }

// Recent lists archived sessions, newest first.
func (a *App) Recent(ctx context.Context, limit int) ([]Session, error) {
	if a.archive == nil {
		return nil, ErrNoStore
	}
	return a.archive.ListRecent(ctx, limit)
}

// Shutdown kills every dev server, stops the sweeps and closes the archive
// and history sinks.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.quit) })
	a.sampler.Close()
	err := a.wf.Shutdown(ctx)
	if a.archive != nil {
		if cerr := a.archive.Close(); cerr != nil {
			slog.Warn("Archive close failed", "error", cerr)
		}
	}
	if a.hist != nil {
		if cerr := a.hist.Close(); cerr != nil {
			slog.Warn("History close failed", "error", cerr)
		}
	}
	return err
}

func (a *App) purgeLoop(retention time.Duration) {
	t := time.NewTicker(purgeEvery)
	defer t.Stop()
	for {
		select {
		case <-a.quit:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := a.archive.PurgeOlderThan(ctx, time.Now().Add(-retention))
			cancel()
			switch {
			case err != nil:
				slog.Warn("Archive purge failed", "error", err)
			case n > 0:
				slog.Info("Purged archived sessions", "count", n)
			}
		}
	}
}

// Subscription is a channel-backed event feed for one session. Consume C
// until it closes; Close detaches early. A consumer that stops draining is
// pruned like any dead subscriber once the buffer fills.
type Subscription struct {
	C <-chan Event

	app       *App
	sessionID string
	sub       *hub.Subscriber
	sink      *chanSink
}

// Subscribe attaches a live event feed to the session. The synthetic
// connected event is the first delivery.
func (a *App) Subscribe(sessionID string) *Subscription {
	sink := &chanSink{ch: make(chan Event, subscriptionBuffer)}
	sub := a.wf.Subscribe(sessionID, sink)
	return &Subscription{C: sink.ch, app: a, sessionID: sessionID, sub: sub, sink: sink}
}

// Close detaches the subscription; C closes once the hub lets go.
func (s *Subscription) Close() {
	s.app.wf.Unsubscribe(s.sessionID, s.sub)
}

var errSubscriptionGone = errors.New("subscription closed or full")

// chanSink bridges hub pushes onto a buffered channel. Send never blocks: a
// full buffer reports failure so the hub prunes the subscriber.
type chanSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *chanSink) Send(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSubscriptionGone
	}
	select {
	case s.ch <- ev:
		return nil
	default:
		return errSubscriptionGone
	}
}

func (s *chanSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	return cfg.Load(path)
}

// DefaultConfig returns the builtin configuration.
func DefaultConfig() *Config {
	return cfg.Default()
}

// Handler returns the HTTP API as an embeddable http.Handler, mounted at the
// configured base path.
func (a *App) Handler() http.Handler {
	return iapi.NewRouter(a.wf, a.serverOptions()).Handler()
}

// NewHTTPServer starts an HTTP server on addr exposing the API of app.
func NewHTTPServer(addr string, app *App) (*http.Server, error) {
	return iapi.NewServer(addr, app.wf, app.serverOptions())
}

func (a *App) serverOptions() iapi.Options {
	return iapi.Options{
		BasePath:  a.cfg.Server.BasePath,
		AuthToken: a.cfg.Server.AuthToken,
		Archive:   a.archive,
	}
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
