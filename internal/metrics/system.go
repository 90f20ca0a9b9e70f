package metrics

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemSnapshot backs the gateway's /metrics/system diagnostic endpoint —
// adapted from the teacher's SystemMetrics tracker.
type SystemSnapshot struct {
	mu          sync.RWMutex
	cpuPercent  float64
	memoryStats runtime.MemStats
	updatedAt   time.Time
}

// NewSystemSnapshot creates a system metrics tracker with an initial memory
// sample. CPU percent starts at zero and is populated by the first
// RunSampler tick — Update's CPU sampling blocks for a second, too slow to
// run inline during boot.
func NewSystemSnapshot() *SystemSnapshot {
	s := &SystemSnapshot{}
	s.mu.Lock()
	runtime.ReadMemStats(&s.memoryStats)
	s.updatedAt = time.Now()
	s.mu.Unlock()
	return s
}

// Update refreshes memory and CPU statistics. CPU sampling blocks for up to
// one second; callers should run it from a background ticker, not per
// request.
func (s *SystemSnapshot) Update() {
	s.mu.Lock()
	defer s.mu.Unlock()

	runtime.ReadMemStats(&s.memoryStats)

	cpuPercents, err := cpu.Percent(time.Second, false)
	if err == nil && len(cpuPercents) > 0 {
		current := cpuPercents[0]
		if s.cpuPercent == 0 {
			s.cpuPercent = current
		} else {
			const alpha = 0.3
			s.cpuPercent = alpha*current + (1-alpha)*s.cpuPercent
		}
	}
	s.updatedAt = time.Now()
}

// RunSampler refreshes the snapshot every interval until stop is closed.
func (s *SystemSnapshot) RunSampler(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Update()
		}
	}
}

// Info is the JSON shape served at /metrics/system.
type Info struct {
	CPU struct {
		Cores   int     `json:"cores"`
		Percent float64 `json:"percent"`
	} `json:"cpu"`
	Memory struct {
		HeapAllocMB float64 `json:"heap_alloc_mb"`
		SysTotalMB  float64 `json:"sys_total_mb"`
		GCCount     uint32  `json:"gc_count"`
	} `json:"memory"`
	Runtime struct {
		Goroutines int    `json:"goroutines"`
		GoVersion  string `json:"go_version"`
	} `json:"runtime"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns the current system info.
func (s *SystemSnapshot) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var info Info
	info.CPU.Cores = runtime.NumCPU()
	info.CPU.Percent = s.cpuPercent
	info.Memory.HeapAllocMB = float64(s.memoryStats.HeapAlloc) / 1024 / 1024
	info.Memory.SysTotalMB = float64(s.memoryStats.Sys) / 1024 / 1024
	info.Memory.GCCount = s.memoryStats.NumGC
	info.Runtime.Goroutines = runtime.NumGoroutine()
	info.Runtime.GoVersion = runtime.Version()
	info.UpdatedAt = s.updatedAt
	return info
}

// Handler serves the current snapshot as JSON.
func (s *SystemSnapshot) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Snapshot())
	})
}
