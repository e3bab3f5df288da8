package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/appdraft/appdraft/internal/generator"
	"github.com/appdraft/appdraft/internal/hub"
	"github.com/appdraft/appdraft/internal/ledger"
	"github.com/appdraft/appdraft/internal/runner"
	"github.com/appdraft/appdraft/internal/store"
	"github.com/appdraft/appdraft/internal/store/sqlite"
	"github.com/appdraft/appdraft/internal/supervisor"
	"github.com/appdraft/appdraft/internal/workflow"
	"github.com/appdraft/appdraft/pkg/template"
)

type stubGen struct {
	res   *generator.Result
	err   error
	calls int
}

func (s *stubGen) Generate(_ context.Context, _ string, _ []generator.ContextFile) (*generator.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

type testEnv struct {
	router *Router
	led    *ledger.Ledger
	wf     *workflow.Workflow
	root   string
}

// newTestEnv wires a real workflow over shell-command templates so requests
// exercise the full path without npm or the network.
func newTestEnv(t *testing.T, gen generator.Generator, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	root := t.TempDir()
	led := ledger.New(ledger.Options{SessionTimeout: time.Hour, SweepEvery: time.Hour})
	h := hub.New(hub.Options{ProbeAfter: time.Hour, EvictAfter: 2 * time.Hour, SweepEvery: time.Hour})
	led.SetBroadcaster(h)
	sup := supervisor.New(supervisor.Options{KillGrace: 200 * time.Millisecond, MaxAge: time.Hour, SweepEvery: time.Hour})
	run := runner.New(runner.Options{Ledger: led})

	wf, err := workflow.New(workflow.Options{
		Supervisor: sup,
		Hub:        h,
		Ledger:     led,
		Runner:     run,
		Generator:  gen,
		Catalog: template.NewCatalog(template.Template{
			Name:     "shelltpl",
			Scaffold: "/bin/sh -c 'mkdir app'",
			Dev:      "sleep 30",
		}),
		WorkRoot:       root,
		PortStart:      42400,
		CommandTimeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("workflow: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = wf.Shutdown(ctx)
	})
	return &testEnv{router: NewRouter(wf, opts), led: led, wf: wf, root: root}
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return doReqAuth(t, h, method, path, body, "")
}

func doReqAuth(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestCreateSessionBuildsAndPolls(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	h := env.router.Handler()

	rec := doReq(t, h, http.MethodPost, "/sessions", map[string]string{
		"prompt":   "make a todo app",
		"template": "shelltpl",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	id, _ := decodeBody(t, rec)["sessionId"].(string)
	if !isSafeName(id) {
		t.Fatalf("bad session id %q", id)
	}

	var last map[string]any
	deadline := time.Now().Add(10 * time.Second)
	for {
		rec = doReq(t, h, http.MethodGet, "/sessions/"+id+"/progress", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("progress expected 200, got %d", rec.Code)
		}
		last = decodeBody(t, rec)
		if done, _ := last["isComplete"].(bool); done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("build did not complete: %+v", last)
		}
		time.Sleep(25 * time.Millisecond)
	}
	if failed, _ := last["hasError"].(bool); failed {
		t.Fatalf("build failed: %+v", last)
	}
	if last["stage"] != "ready" || last["progress"] != float64(100) {
		t.Fatalf("terminal record: %+v", last)
	}
	result, _ := last["result"].(map[string]any)
	if result == nil || result["url"] == "" {
		t.Fatalf("missing result: %+v", last)
	}

	rec = doReq(t, h, http.MethodDelete, "/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("close expected 200, got %d", rec.Code)
	}
	if ok, _ := decodeBody(t, rec)["ok"].(bool); !ok {
		t.Fatalf("close body: %s", rec.Body.String())
	}
	// The dev server is gone but the progress record survives for polling.
	rec = doReq(t, h, http.MethodGet, "/sessions/"+id+"/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress after close expected 200, got %d", rec.Code)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	h := env.router.Handler()

	rec := doReq(t, h, http.MethodPost, "/sessions", map[string]string{"template": "shelltpl"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing prompt expected 400, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad JSON expected 400, got %d", rec.Code)
	}
}

func TestProgressDefaultsAndBadID(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	h := env.router.Handler()

	rec := doReq(t, h, http.MethodGet, "/sessions/nope/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown session expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["stage"] != "waiting" {
		t.Fatalf("default record: %+v", body)
	}

	rec = doReq(t, h, http.MethodGet, "/sessions/a..b/progress", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id expected 400, got %d", rec.Code)
	}
}

func TestChatConversationalAndNoWorkspace(t *testing.T) {
	gen := &stubGen{res: &generator.Result{}}
	env := newTestEnv(t, gen, Options{})
	h := env.router.Handler()

	rec := doReq(t, h, http.MethodPost, "/sessions/any-id/chat", map[string]string{"message": "hello, what can you do?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["kind"] != "chat" || body["reply"] == "" {
		t.Fatalf("chat body: %+v", body)
	}
	if gen.calls != 0 {
		t.Fatalf("generator ran on conversational input")
	}

	rec = doReq(t, h, http.MethodPost, "/sessions/no-build/chat", map[string]string{"message": "add a settings screen"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no workspace expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	h := env.router.Handler()

	rec := doReq(t, h, http.MethodPost, "/sessions/a..b/chat", map[string]string{"message": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id expected 400, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodPost, "/sessions/ok-id/chat", map[string]string{"message": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty message expected 400, got %d", rec.Code)
	}
}

func readEvent(t *testing.T, sc *bufio.Scanner) map[string]any {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			var ev map[string]any
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("bad frame %q: %v", line, err)
			}
			return ev
		}
	}
	t.Fatalf("stream ended early: %v", sc.Err())
	return nil
}

func TestEventsStreamAndEviction(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	srv := httptest.NewServer(env.router.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions/sse-1/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("content-type: %s", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	ev := readEvent(t, sc)
	if ev["type"] != "connected" {
		t.Fatalf("first event: %+v", ev)
	}

	// The subscription is live once connected arrived; pushes now reach it.
	env.led.Progress("sse-1", "scaffolding", "Creating project", 10)
	ev = readEvent(t, sc)
	if ev["type"] != "progress" || ev["stage"] != "scaffolding" || ev["progressPercent"] != float64(10) {
		t.Fatalf("progress event: %+v", ev)
	}

	env.led.Output("sse-1", "npm installed 12 packages", false)
	ev = readEvent(t, sc)
	if ev["type"] != "output" || ev["message"] != "npm installed 12 packages" {
		t.Fatalf("output event: %+v", ev)
	}

	// Forced eviction sends the terminal closed event and ends the stream.
	env.wf.Cleanup("sse-1")
	ev = readEvent(t, sc)
	if ev["type"] != "error" || ev["stage"] != "closed" {
		t.Fatalf("closed event: %+v", ev)
	}
	if sc.Scan() {
		t.Fatalf("stream still open after eviction: %q", sc.Text())
	}
}

func TestEventsBadID(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	h := env.router.Handler()
	rec := doReq(t, h, http.MethodGet, "/sessions/a..b/events", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id expected 400, got %d", rec.Code)
	}
}

func TestListSessionsWithoutStore(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	h := env.router.Handler()
	rec := doReq(t, h, http.MethodGet, "/sessions", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no store expected 404, got %d", rec.Code)
	}
}

func TestListSessionsWithStore(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	for _, id := range []string{"old-1", "old-2"} {
		if err := db.RecordStart(ctx, store.Session{SessionID: id, Prompt: "p", Template: "blank"}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	env := newTestEnv(t, nil, Options{Archive: db})
	h := env.router.Handler()

	rec := doReq(t, h, http.MethodGet, "/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var rows []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if id, _ := rows[0]["sessionId"].(string); !strings.HasPrefix(id, "old-") {
		t.Fatalf("row shape: %+v", rows[0])
	}
	if rows[0]["status"] != "building" {
		t.Fatalf("row status: %+v", rows[0])
	}

	rec = doReq(t, h, http.MethodGet, "/sessions?limit=1", nil)
	rows = nil
	_ = json.Unmarshal(rec.Body.Bytes(), &rows)
	if len(rows) != 1 {
		t.Fatalf("limit=1 expected 1 row, got %d", len(rows))
	}

	rec = doReq(t, h, http.MethodGet, "/sessions?limit=zero", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit expected 400, got %d", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	env := newTestEnv(t, nil, Options{AuthToken: "sekrit"})
	h := env.router.Handler()

	// healthz stays open for probes
	rec := doReq(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz expected 200, got %d", rec.Code)
	}

	rec = doReq(t, h, http.MethodGet, "/sessions/x/progress", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token expected 401, got %d", rec.Code)
	}
	rec = doReqAuth(t, h, http.MethodGet, "/sessions/x/progress", nil, "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token expected 401, got %d", rec.Code)
	}
	rec = doReqAuth(t, h, http.MethodGet, "/sessions/x/progress", nil, "sekrit")
	if rec.Code != http.StatusOK {
		t.Fatalf("good token expected 200, got %d", rec.Code)
	}
}

func TestBasePathMounting(t *testing.T) {
	env := newTestEnv(t, nil, Options{BasePath: "/api/v1/"}) // trailing slash sanitized
	h := env.router.Handler()

	rec := doReq(t, h, http.MethodGet, "/api/v1/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz under base expected 200, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code == http.StatusOK {
		t.Fatalf("unprefixed path should not resolve")
	}
}

func TestNewServerStartClose(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	srv, err := NewServer("127.0.0.1:0", env.wf, Options{BasePath: "/x"})
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	// Close immediately; we don't assert more here, just exercise the code path
	_ = srv.Close()
}
