package registry

import (
	"testing"
	"time"
)

func TestBindEnforcesIdlePrecondition(t *testing.T) {
	r := New()
	r.UpsertOnline("a1", Capabilities{})

	if err := r.Bind("a1", "t1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	a, _ := r.Get("a1")
	if a.Status != StatusBusy || a.CurrentTaskID != "t1" {
		t.Fatalf("unexpected agent after bind: %+v", a)
	}

	if err := r.Bind("a1", "t2"); err != ErrPrecondition {
		t.Fatalf("second bind err = %v, want ErrPrecondition", err)
	}
}

func TestUnbindReturnsAgentToOnline(t *testing.T) {
	r := New()
	r.UpsertOnline("a1", Capabilities{})
	r.Bind("a1", "t1")

	if err := r.Unbind("a1"); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	a, _ := r.Get("a1")
	if a.Status != StatusOnline || a.CurrentTaskID != "" {
		t.Fatalf("unexpected agent after unbind: %+v", a)
	}
}

func TestPickIdleIsDeterministic(t *testing.T) {
	r := New()
	r.UpsertOnline("b", Capabilities{})
	r.UpsertOnline("a", Capabilities{})
	r.Bind("b", "t1") // b is now busy, only a is idle

	id, ok := r.PickIdle()
	if !ok || id != "a" {
		t.Fatalf("pick idle = (%s, %v), want (a, true)", id, ok)
	}
}

func TestMarkOfflineClearsBindingAndHeartbeat(t *testing.T) {
	r := New()
	r.UpsertOnline("a1", Capabilities{})
	r.Bind("a1", "t1")

	if err := r.MarkOffline("a1"); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	a, _ := r.Get("a1")
	if a.Status != StatusOffline || a.CurrentTaskID != "" || !a.LastHeartbeat.IsZero() {
		t.Fatalf("unexpected agent after mark offline: %+v", a)
	}
}

func TestStaleSinceExcludesOfflineAgents(t *testing.T) {
	r := New()
	r.UpsertOnline("a1", Capabilities{})
	r.agents["a1"].LastHeartbeat = time.Now().Add(-2 * time.Minute)

	r.UpsertOnline("a2", Capabilities{})
	r.MarkOffline("a2")

	stale := r.StaleSince(time.Now(), 90*time.Second)
	if len(stale) != 1 || stale[0] != "a1" {
		t.Fatalf("stale = %v, want [a1]", stale)
	}
}

func TestUnknownAgentOperationsError(t *testing.T) {
	r := New()
	if err := r.TouchHeartbeat("ghost"); err != ErrUnknownAgent {
		t.Fatalf("touch heartbeat err = %v, want ErrUnknownAgent", err)
	}
	if err := r.Bind("ghost", "t1"); err != ErrUnknownAgent {
		t.Fatalf("bind err = %v, want ErrUnknownAgent", err)
	}
}
