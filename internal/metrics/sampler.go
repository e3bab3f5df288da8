package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Resource gauges for supervised dev-server processes, labeled by session.
var (
	sampledCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "appdraft",
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of the session's dev-server process.",
		}, []string{"session"},
	)
	sampledMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "appdraft",
			Subsystem: "process",
			Name:      "memory_mb",
			Help:      "Resident memory of the session's dev-server process in MB.",
		}, []string{"session"},
	)
)

// PIDSource reports the processes to sample as sessionID -> PID.
type PIDSource func() map[string]int

// Sampler periodically samples CPU and memory of supervised processes.
type Sampler struct {
	source   PIDSource
	interval time.Duration

	mu    sync.Mutex
	known map[string]struct{}

	quit      chan struct{}
	closeOnce sync.Once
}

// NewSampler builds a sampler over source and starts its loop. interval <= 0
// falls back to 15s.
func NewSampler(source PIDSource, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s := &Sampler{
		source:   source,
		interval: interval,
		known:    make(map[string]struct{}),
		quit:     make(chan struct{}),
	}
	go s.loop()
	return s
}

// Close stops the sampling loop.
func (s *Sampler) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
}

func (s *Sampler) loop() {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.SampleOnce()
		case <-s.quit:
			return
		}
	}
}

// SampleOnce samples every process from the source and clears gauges for
// sessions that no longer have one.
func (s *Sampler) SampleOnce() {
	if !regOK.Load() {
		return
	}
	pids := s.source()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.known {
		if _, ok := pids[id]; !ok {
			sampledCPU.DeleteLabelValues(id)
			sampledMemoryMB.DeleteLabelValues(id)
			delete(s.known, id)
		}
	}
	for id, pid := range pids {
		proc, err := process.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		// CPUPercent needs a prior call for an accurate delta; the first
		// sample of a process reads as 0.
		cpu, err := proc.CPUPercent()
		if err != nil {
			cpu = 0
		}
		mem, err := proc.MemoryInfo()
		if err != nil {
			slog.Debug("Failed to sample process memory", "session", id, "pid", pid, "error", err)
			continue
		}
		sampledCPU.WithLabelValues(id).Set(cpu)
		sampledMemoryMB.WithLabelValues(id).Set(float64(mem.RSS) / 1024 / 1024)
		s.known[id] = struct{}{}
	}
}
