// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
)

// healthCollectInterval matches the teacher's system monitor polling period.
const healthCollectInterval = 15 * time.Second

// lowDiskThresholdPercent is the disk-used percentage at or above which new
// connections are turned away with NACK(low_disk) rather than being handed
// a sync directory they may not be able to write to.
const lowDiskThresholdPercent = 95.0

// HealthStats is the latest snapshot of host resource usage.
type HealthStats struct {
	DiskUsagePercent float64
	LoadAverage      float64
}

// HealthMonitor periodically samples disk and load usage for storageRoot's
// filesystem, grounded on the teacher's SystemMonitor (internal/agent/monitor.go):
// same Start/Stop/Stats shape, same ticker-driven collect loop, trimmed to
// two metrics. The handshake's low-disk check reads the disk figure; the load
// average is only collected and returned by Stats.
type HealthMonitor struct {
	path   string
	logger *slog.Logger
	close  chan struct{}
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats HealthStats
}

// NewHealthMonitor builds a monitor for the filesystem backing storageRoot.
func NewHealthMonitor(storageRoot string, logger *slog.Logger) *HealthMonitor {
	return &HealthMonitor{
		path:   storageRoot,
		logger: logger.With("component", "health_monitor"),
		close:  make(chan struct{}),
	}
}

// Start collects an initial sample synchronously, then continues on a ticker
// in the background.
func (h *HealthMonitor) Start() {
	h.collect()
	h.wg.Add(1)
	go h.run()
}

// Stop halts the background collector and waits for it to exit.
func (h *HealthMonitor) Stop() {
	close(h.close)
	h.wg.Wait()
}

// Stats returns the most recently collected sample.
func (h *HealthMonitor) Stats() HealthStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// LowDisk reports whether the last sample found disk usage at or above
// lowDiskThresholdPercent.
func (h *HealthMonitor) LowDisk() bool {
	return h.Stats().DiskUsagePercent >= lowDiskThresholdPercent
}

func (h *HealthMonitor) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(healthCollectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.close:
			return
		case <-ticker.C:
			h.collect()
		}
	}
}

func (h *HealthMonitor) collect() {
	stats := HealthStats{}

	if d, err := disk.Usage(h.path); err == nil {
		stats.DiskUsagePercent = d.UsedPercent
	} else {
		h.logger.Debug("failed to collect disk stats", "err", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		h.logger.Debug("failed to collect load stats", "err", err)
	}

	h.mu.Lock()
	h.stats = stats
	h.mu.Unlock()
}
