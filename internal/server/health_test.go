// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"testing"
	"time"
)

func TestHealthSampler_SamplesOnStart(t *testing.T) {
	h := NewHealthSampler(testLogger(), "/")
	h.Start(time.Hour)
	defer h.Stop()

	// sample() runs synchronously inside Start before returning, so
	// Current should already reflect a real reading (or the zero value
	// if gopsutil couldn't read the host, which is still a valid result
	// on a restricted test sandbox).
	loadAvg, diskFree := h.Current()
	if loadAvg < 0 {
		t.Fatalf("unexpected negative load average: %v", loadAvg)
	}
	_ = diskFree
}

func TestHealthSampler_StopHaltsRunningSampler(t *testing.T) {
	h := NewHealthSampler(testLogger(), "/")
	h.Start(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	h.Stop()
}
