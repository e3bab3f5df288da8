package metrics

import (
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	// Exercise helpers; they should work only after Register
	IncBuildStarted()
	IncBuildStarted()
	IncBuildFinished("ready")
	IncBuildFinished("failed")
	IncChangeApplied()
	IncCommandRun("scaffolding")
	IncCommandFailure("scaffolding", "exit")
	ObserveCommandDuration("scaffolding", 1.25)
	SetActiveProcesses(2)
	IncProcessKilled("age")
	IncProcessReaped()
	SetSubscribers(3)
	AddEventsDelivered(5)
	AddEventsDropped(1)
	IncSubscriberEvicted("dead")
	SetActiveSessions(4)
	AddSessionsReaped(2)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	// Very basic assertions that our metric names exist and have samples
	wantNames := map[string]bool{
		"appdraft_build_starts_total":          false,
		"appdraft_build_finished_total":        false,
		"appdraft_build_changes_total":         false,
		"appdraft_command_runs_total":          false,
		"appdraft_command_failures_total":      false,
		"appdraft_command_duration_seconds":    false,
		"appdraft_process_running":             false,
		"appdraft_process_killed_total":        false,
		"appdraft_process_reaped_total":        false,
		"appdraft_hub_subscribers":             false,
		"appdraft_hub_events_delivered_total":  false,
		"appdraft_hub_events_dropped_total":    false,
		"appdraft_hub_evicted_total":           false,
		"appdraft_session_records":             false,
		"appdraft_session_reaped_total":        false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Ensure collectors are registered with the default registry used by
	// Handler(), regardless of what previous tests did with the gate.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}
	IncBuildStarted()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "appdraft_build_starts_total") {
		t.Fatalf("expected build counter in exposition, got: %.200s", string(body))
	}
}

type fakePIDSource struct {
	mu   sync.Mutex
	pids map[string]int
}

func (f *fakePIDSource) get() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pids
}

func (f *fakePIDSource) set(pids map[string]int) {
	f.mu.Lock()
	f.pids = pids
	f.mu.Unlock()
}

func TestSamplerTracksOwnProcess(t *testing.T) {
	_ = Register(prometheus.DefaultRegisterer)

	src := &fakePIDSource{pids: map[string]int{"self": os.Getpid()}}
	s := NewSampler(src.get, time.Hour)
	defer s.Close()

	s.SampleOnce()
	// Second sample gives CPUPercent a delta window.
	s.SampleOnce()

	if got := testutil.ToFloat64(sampledMemoryMB.WithLabelValues("self")); got <= 0 {
		t.Fatalf("expected positive memory sample, got %v", got)
	}

	// A vanished session's gauges are deleted on the next pass.
	src.set(nil)
	s.SampleOnce()
	s.mu.Lock()
	_, still := s.known["self"]
	s.mu.Unlock()
	if still {
		t.Fatal("expected sampler to forget vanished session")
	}
}
