// Package hostmetrics collects host resource utilization for heartbeat
// frames. It finishes the teacher's own stubbed metrics package
// (agent/internal/metrics, which returned zero values with a TODO to wire
// in gopsutil) using github.com/shirou/gopsutil/v4.
package hostmetrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time reading of host resource usage. Percentages
// are in [0,100].
type Snapshot struct {
	CPUPercent float64
	MemPercent float64
}

// sampleWindow is how long cpu.PercentWithContext measures over. A short
// window keeps heartbeat emission from stalling noticeably past its 30s
// cadence while still smoothing out single-tick spikes.
const sampleWindow = 200 * time.Millisecond

// Collect samples current CPU and memory utilization. A reading that fails
// leaves its own field zero while the other reading is still reported — a
// metrics outage must never block or fail the heartbeat it rides along with.
func Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if percents, err := cpu.PercentWithContext(ctx, sampleWindow, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemPercent = vm.UsedPercent
	}

	return snap
}
