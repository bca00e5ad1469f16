// Package procstat samples the resource usage of a running cell and tears
// down process trees.
package procstat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is what a Sampler observed over the lifetime of a process tree.
type Usage struct {
	PeakRSSMB  float64 `json:"peak_rss_mb"` // largest resident set size of the whole tree, in MB
	CPUSeconds float64 `json:"cpu_seconds"` // user + system time of the tree at the last sample
	PeakProcs  int     `json:"peak_procs"`  // largest number of processes in the tree
	Samples    int     `json:"samples"`
}

// Sampler records peak usage of the process tree rooted at a pid. Samples
// closer together than the sampler's interval are skipped.
type Sampler struct {
	pid      int32
	interval time.Duration

	mu    sync.Mutex
	last  time.Time
	usage Usage
}

// NewSampler creates a sampler for pid.
func NewSampler(pid int, interval time.Duration) *Sampler {
	return &Sampler{pid: int32(pid), interval: interval}
}

// Sample takes one measurement. Errors from processes that exit while being
// measured are ignored.
func (s *Sampler) Sample() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !s.last.IsZero() && now.Sub(s.last) < s.interval {
		return
	}
	s.last = now

	root, err := process.NewProcess(s.pid)
	if err != nil {
		return
	}
	tree := append([]*process.Process{root}, descendants(root)...)

	var rssMB, cpu float64
	for _, p := range tree {
		if mem, err := p.MemoryInfo(); err == nil {
			rssMB += float64(mem.RSS) / 1024 / 1024
		}
		if times, err := p.Times(); err == nil {
			cpu += times.User + times.System
		}
	}

	s.usage.Samples++
	if rssMB > s.usage.PeakRSSMB {
		s.usage.PeakRSSMB = rssMB
	}
	if cpu > s.usage.CPUSeconds {
		s.usage.CPUSeconds = cpu
	}
	if len(tree) > s.usage.PeakProcs {
		s.usage.PeakProcs = len(tree)
	}
}

// Usage returns the measurements so far.
func (s *Sampler) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// descendants returns every process below p, depth first.
func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, child := range children {
		out = append(out, child)
		out = append(out, descendants(child)...)
	}
	return out
}

// KillTree sends SIGKILL to pid and every process below it, including
// descendants that left its process group. Processes that are already gone
// are skipped.
func KillTree(pid int) error {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("process not found: %w", err)
	}

	// Collect first: once the root dies its children are re-parented.
	tree := append([]*process.Process{root}, descendants(root)...)

	var errs []error
	for _, p := range tree {
		if err := p.Kill(); err != nil && !isGone(err) {
			errs = append(errs, fmt.Errorf("failed to kill %d: %w", p.Pid, err))
		}
	}
	return errors.Join(errs...)
}

func isGone(err error) bool {
	return errors.Is(err, process.ErrorProcessNotRunning) || strings.Contains(err.Error(), "no such process")
}
