// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

const bytesPerMB = 1024 * 1024

type cpuMark struct {
	cpuSeconds float64
	at         time.Time
}

// ProcFS samples the host and its processes from a procfs mount.
type ProcFS struct {
	fs  procfs.FS
	now func() time.Time

	mu       sync.Mutex
	lastHost *procfs.CPUStat
	procs    map[int]cpuMark
}

// NewProcFS opens the procfs mount (normally procfs.DefaultMountPoint).
func NewProcFS(mountPoint string) (*ProcFS, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	pfs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", mountPoint, err)
	}
	return &ProcFS{fs: pfs, now: time.Now, procs: make(map[int]cpuMark)}, nil
}

// SampleHost reads CPU utilisation since the previous call (since boot on
// the first call) and the current memory utilisation.
func (p *ProcFS) SampleHost(_ context.Context) (HostSample, error) {
	stat, err := p.fs.Stat()
	if err != nil {
		return HostSample{}, fmt.Errorf("read stat: %w", err)
	}
	mem, err := p.fs.Meminfo()
	if err != nil {
		return HostSample{}, fmt.Errorf("read meminfo: %w", err)
	}

	p.mu.Lock()
	cur := stat.CPUTotal
	cpu := cpuPercent(p.lastHost, cur)
	p.lastHost = &cur
	p.mu.Unlock()

	total, avail, err := memoryKB(mem)
	if err != nil {
		return HostSample{}, err
	}
	return HostSample{
		At:             p.now(),
		CPUPercent:     cpu,
		MemoryRatio:    (total - avail) / total,
		MemTotalMB:     total / 1024,
		MemAvailableMB: avail / 1024,
	}, nil
}

// SampleProcess reads CPU utilisation of pid since the previous call (since
// process start on the first call) and its resident memory.
func (p *ProcFS) SampleProcess(pid int) (ProcessSample, error) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return ProcessSample{}, procErr(pid, err)
	}
	st, err := proc.Stat()
	if err != nil {
		return ProcessSample{}, procErr(pid, err)
	}

	now := p.now()
	cpuSeconds := st.CPUTime()

	p.mu.Lock()
	prev, ok := p.procs[pid]
	p.procs[pid] = cpuMark{cpuSeconds: cpuSeconds, at: now}
	p.mu.Unlock()

	var percent float64
	if ok {
		percent = ratePercent(cpuSeconds-prev.cpuSeconds, now.Sub(prev.at))
	} else if started, err := st.StartTime(); err == nil {
		percent = ratePercent(cpuSeconds, now.Sub(time.Unix(0, int64(started*float64(time.Second)))))
	}

	return ProcessSample{
		At:         now,
		PID:        pid,
		CPUPercent: percent,
		RSSMB:      float64(st.ResidentMemory()) / bytesPerMB,
	}, nil
}

// Forget drops the CPU baseline kept for pid.
func (p *ProcFS) Forget(pid int) {
	p.mu.Lock()
	delete(p.procs, pid)
	p.mu.Unlock()
}

func procErr(pid int, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("pid %d: %w", pid, ErrProcessGone)
	}
	return fmt.Errorf("pid %d: %w", pid, err)
}

func memoryKB(mem procfs.Meminfo) (total, avail float64, err error) {
	if mem.MemTotal == nil || *mem.MemTotal == 0 {
		return 0, 0, errors.New("meminfo: MemTotal missing")
	}
	total = float64(*mem.MemTotal)
	switch {
	case mem.MemAvailable != nil:
		avail = float64(*mem.MemAvailable)
	case mem.MemFree != nil:
		avail = float64(*mem.MemFree)
	}
	return total, avail, nil
}

func cpuBusyTotal(s procfs.CPUStat) (busy, total float64) {
	idle := s.Idle + s.Iowait
	busy = s.User + s.Nice + s.System + s.IRQ + s.SoftIRQ + s.Steal
	return busy, busy + idle
}

// cpuPercent returns the busy share between two cumulative CPU counters.
func cpuPercent(prev *procfs.CPUStat, cur procfs.CPUStat) float64 {
	busy, total := cpuBusyTotal(cur)
	if prev != nil {
		pb, pt := cpuBusyTotal(*prev)
		busy, total = busy-pb, total-pt
	}
	if total <= 0 {
		return 0
	}
	return clampPercent(100 * busy / total)
}

// ratePercent converts CPU seconds consumed over a wall interval to percent
// of one core, matching top(1).
func ratePercent(cpuSeconds float64, wall time.Duration) float64 {
	if wall <= 0 || cpuSeconds < 0 {
		return 0
	}
	return 100 * cpuSeconds / wall.Seconds()
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
