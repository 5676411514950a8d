// Package sampler provides MachineSampler, a process-wide singleton that
// samples OS/process CPU and memory every 5s and keeps rolling averages.
// Grounded on evanoooo-vstats/server-go collector.go's CollectMetrics and
// its singleton-plus-background-goroutine pattern (GetLocalCollector).
package sampler

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Snapshot is a wall-clock independent record of machine state. Copies are
// values; callers never share mutable state through a Snapshot.
type Snapshot struct {
	Taken time.Time

	ProcessUptime      time.Duration
	ProcessCPUUserUs   int64
	ProcessCPUSystemUs int64
	HeapUsedBytes      uint64
	HeapTotalBytes     uint64

	OSUptime    time.Duration
	OSLoad1     float64
	OSLoad5     float64
	OSLoad15    float64
	PerCPUBusy  []float64
	PerCPUIdle  []float64
	OSFreeBytes uint64
	OSTotalMem  uint64
}

// RollingAverages holds the 10s/1m/5m/15m rolling averages of total OS CPU
// busy percentage, maintained incrementally as new samples arrive.
type RollingAverages struct {
	Avg10s float64
	Avg1m  float64
	Avg5m  float64
	Avg15m float64
}

const sampleInterval = 5 * time.Second

// windowSamples is how many 5s samples make up each rolling window.
var windowSamples = map[string]int{"10s": 2, "1m": 12, "5m": 60, "15m": 180}

// Sampler is the process-wide machine sampler. A zero value is not usable;
// construct with New. Readers of Snapshot()/Averages() get copies.
type Sampler struct {
	mu        sync.RWMutex
	last      Snapshot
	started   time.Time
	proc      *process.Process
	history   []float64 // ring of recent total-busy percentages, newest last
	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
}

// New constructs a Sampler without starting its background timer. Call
// Start to begin sampling; readers may call Snapshot before Start, which
// returns a zero-value Snapshot.
func New() *Sampler {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Sampler{
		started: time.Now(),
		proc:    proc,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the 5s sampling loop. Safe to call once; subsequent calls
// are no-ops.
func (s *Sampler) Start() {
	s.startOnce.Do(func() {
		s.sampleOnce()
		go s.loop()
	})
}

// Stop halts the sampling timer. Safe to call multiple times.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Sampler) loop() {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	snap := Snapshot{Taken: time.Now()}

	snap.ProcessUptime = time.Since(s.started)
	if s.proc != nil {
		if times, err := s.proc.Times(); err == nil {
			snap.ProcessCPUUserUs = int64(times.User * 1e6)
			snap.ProcessCPUSystemUs = int64(times.System * 1e6)
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	snap.HeapUsedBytes = m.HeapAlloc
	snap.HeapTotalBytes = m.HeapSys

	if upt, err := host.Uptime(); err == nil {
		snap.OSUptime = time.Duration(upt) * time.Second
	}
	if avg, err := load.Avg(); err == nil && avg != nil {
		snap.OSLoad1, snap.OSLoad5, snap.OSLoad15 = avg.Load1, avg.Load5, avg.Load15
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		snap.OSFreeBytes = vm.Available
		snap.OSTotalMem = vm.Total
	}

	perCPU, err := cpu.Percent(0, true)
	var totalBusy float64
	if err == nil {
		snap.PerCPUBusy = make([]float64, len(perCPU))
		snap.PerCPUIdle = make([]float64, len(perCPU))
		for i, p := range perCPU {
			snap.PerCPUBusy[i] = p
			snap.PerCPUIdle[i] = 100 - p
			totalBusy += p
		}
		if len(perCPU) > 0 {
			totalBusy /= float64(len(perCPU))
		}
	}

	s.mu.Lock()
	s.last = snap
	s.history = append(s.history, totalBusy)
	maxLen := windowSamples["15m"]
	if len(s.history) > maxLen {
		s.history = s.history[len(s.history)-maxLen:]
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of the most recent sample.
func (s *Sampler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Averages returns the current rolling averages of total OS CPU busy
// percentage over the 10s/1m/5m/15m windows.
func (s *Sampler) Averages() RollingAverages {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RollingAverages{
		Avg10s: tailAvg(s.history, windowSamples["10s"]),
		Avg1m:  tailAvg(s.history, windowSamples["1m"]),
		Avg5m:  tailAvg(s.history, windowSamples["5m"]),
		Avg15m: tailAvg(s.history, windowSamples["15m"]),
	}
}

func tailAvg(xs []float64, n int) float64 {
	if len(xs) == 0 {
		return 0
	}
	if n > len(xs) {
		n = len(xs)
	}
	tail := xs[len(xs)-n:]
	var sum float64
	for _, x := range tail {
		sum += x
	}
	return sum / float64(len(tail))
}

var (
	processSingleton *Sampler
	processOnce      sync.Once
)

// Default returns the process-wide Sampler singleton, starting it on first
// use. This is the single process-wide handle the machine sampler's
// global mutable state is isolated behind; readers only ever see copies.
func Default() *Sampler {
	processOnce.Do(func() {
		processSingleton = New()
		processSingleton.Start()
	})
	return processSingleton
}
