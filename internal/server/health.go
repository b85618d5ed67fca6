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

// HealthSampler periodically samples host load and free disk space so a
// KeepAlive pong can report them to the client without hitting the
// filesystem/procfs on every ping.
type HealthSampler struct {
	logger *slog.Logger
	path   string

	mu       sync.RWMutex
	loadAvg  float32
	diskFree uint32 // MB

	close chan struct{}
	wg    sync.WaitGroup
}

// NewHealthSampler builds a sampler that reports free space on path
// (typically "/").
func NewHealthSampler(logger *slog.Logger, path string) *HealthSampler {
	if path == "" {
		path = "/"
	}
	return &HealthSampler{logger: logger.With("component", "health_sampler"), path: path, close: make(chan struct{})}
}

// Start begins periodic sampling every interval.
func (h *HealthSampler) Start(interval time.Duration) {
	h.sample()
	h.wg.Add(1)
	go h.run(interval)
}

// Stop halts sampling.
func (h *HealthSampler) Stop() {
	close(h.close)
	h.wg.Wait()
}

func (h *HealthSampler) run(interval time.Duration) {
	defer h.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.close:
			return
		case <-ticker.C:
			h.sample()
		}
	}
}

func (h *HealthSampler) sample() {
	var loadAvg float32
	if l, err := load.Avg(); err == nil {
		loadAvg = float32(l.Load1)
	} else {
		h.logger.Debug("sampling load average", "error", err)
	}

	var diskFreeMB uint32
	if d, err := disk.Usage(h.path); err == nil {
		diskFreeMB = uint32(d.Free / (1024 * 1024))
	} else {
		h.logger.Debug("sampling disk usage", "error", err)
	}

	h.mu.Lock()
	h.loadAvg, h.diskFree = loadAvg, diskFreeMB
	h.mu.Unlock()
}

// Current returns the last sampled load average and free disk space in
// megabytes; it satisfies the loadFn shape forward.DispatchServerLoop
// expects for building KeepAlivePong replies.
func (h *HealthSampler) Current() (loadAvg float32, diskFreeMB uint32) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loadAvg, h.diskFree
}
