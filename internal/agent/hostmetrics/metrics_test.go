package hostmetrics

import (
	"context"
	"testing"
)

func TestCollectReturnsBoundedPercentages(t *testing.T) {
	snap := Collect(context.Background())

	if snap.CPUPercent < 0 || snap.CPUPercent > 100 {
		t.Errorf("CPUPercent = %v, want in [0, 100]", snap.CPUPercent)
	}
	if snap.MemPercent < 0 || snap.MemPercent > 100 {
		t.Errorf("MemPercent = %v, want in [0, 100]", snap.MemPercent)
	}
}

func TestCollectOnCancelledContextDoesNotPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Collect must degrade gracefully rather than block or panic when the
	// context is already done.
	snap := Collect(ctx)
	if snap.MemPercent < 0 || snap.MemPercent > 100 {
		t.Errorf("MemPercent = %v, want in [0, 100]", snap.MemPercent)
	}
}
