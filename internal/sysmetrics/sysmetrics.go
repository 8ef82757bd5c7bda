// Package sysmetrics samples host OS metrics (D3): CPU, memory, disk,
// and network counters, on a periodic ticker, for GET /api/system/metrics.
// It is a leaf component — nothing in the session-reconstruction core
// imports it.
package sysmetrics

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"github.com/englishfox90/nina-gateway/internal/errors"
	"github.com/englishfox90/nina-gateway/internal/logger"
)

// Snapshot is one sample of host metrics.
type Snapshot struct {
	CPUPercent     float64   `json:"cpuPercent"`
	MemoryTotal    uint64    `json:"memoryTotal"`
	MemoryUsed     uint64    `json:"memoryUsed"`
	DiskTotal      uint64    `json:"diskTotal"`
	DiskUsed       uint64    `json:"diskUsed"`
	NetBytesSent   uint64    `json:"netBytesSent"`
	NetBytesRecv   uint64    `json:"netBytesRecv"`
	SampledAt      time.Time `json:"sampledAt"`
}

// Sampler periodically collects a Snapshot and keeps the latest one
// available for the HTTP handler to read without blocking on gopsutil
// syscalls per request.
type Sampler struct {
	dataDir  string
	interval time.Duration

	mu       sync.RWMutex
	latest   Snapshot
	hasValue bool

	log *zap.SugaredLogger
}

// New constructs a Sampler that inspects disk usage at dataDir on a 5s
// ticker (spec §4.12, "5 s ticker").
func New(dataDir string) *Sampler {
	return &Sampler{
		dataDir:  dataDir,
		interval: 5 * time.Second,
		log:      logger.Named("sysmetrics"),
	}
}

// Run samples on the configured interval until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) {
	s.sample()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	snap := Snapshot{SampledAt: time.Now().UTC()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else if err != nil {
		s.log.Warnw("cpu sample failed", "error", err.Error())
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryUsed = vm.Used
	} else {
		s.log.Warnw("memory sample failed", "error", err.Error())
	}

	if du, err := disk.Usage(s.dataDir); err == nil {
		snap.DiskTotal = du.Total
		snap.DiskUsed = du.Used
	} else {
		s.log.Warnw("disk sample failed", "error", errors.Wrapf(err, "path %s", s.dataDir).Error())
	}

	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		snap.NetBytesSent = counters[0].BytesSent
		snap.NetBytesRecv = counters[0].BytesRecv
	} else if err != nil {
		s.log.Warnw("network sample failed", "error", err.Error())
	}

	s.mu.Lock()
	s.latest = snap
	s.hasValue = true
	s.mu.Unlock()
}

// Latest returns the most recent snapshot, or a zero-value one with
// SampledAt unset if no sample has completed yet.
func (s *Sampler) Latest() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}
