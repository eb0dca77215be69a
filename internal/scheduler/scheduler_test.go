package scheduler

import (
	"context"
	"database/sql"
	"testing"

	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/task"
)

func newTestStore(t *testing.T) task.Store {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{})
	if err != nil {
		t.Fatalf("open gorm: %v", err)
	}
	if err := db.AutoMigrate(&task.Task{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return task.NewStore(db)
}

type fakeSender struct {
	ok   bool
	sent []string
}

func (f *fakeSender) SendTo(agentID string, msg protocol.OrchestratorMessage) bool {
	f.sent = append(f.sent, agentID)
	return f.ok
}

type fakeBroadcaster struct {
	count int
}

func (f *fakeBroadcaster) Broadcast(msg protocol.ObserverMessage) {
	f.count++
}

func TestTryAssignMatchesHighestPriorityToIdleAgent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	reg := registry.New()
	sender := &fakeSender{ok: true}
	observer := &fakeBroadcaster{}
	s := New(store, reg, sender, observer, zap.NewNop())

	reg.UpsertOnline("agent-1", registry.Capabilities{})
	lo, _ := store.Create(ctx, task.Spec{Priority: task.PriorityLow})
	hi, _ := store.Create(ctx, task.Spec{Priority: task.PriorityHigh})

	s.TryAssign(ctx)

	gotHi, _ := store.Get(ctx, hi.ID)
	if gotHi.Status != task.StatusAssigned || gotHi.AgentID == nil || *gotHi.AgentID != "agent-1" {
		t.Fatalf("high priority task not assigned: %+v", gotHi)
	}
	gotLo, _ := store.Get(ctx, lo.ID)
	if gotLo.Status != task.StatusPending {
		t.Fatalf("low priority task should remain pending with only one idle agent: %+v", gotLo)
	}

	agent, _ := reg.Get("agent-1")
	if agent.Status != registry.StatusBusy || agent.CurrentTaskID != hi.ID.String() {
		t.Fatalf("agent not bound: %+v", agent)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "agent-1" {
		t.Fatalf("unexpected sends: %v", sender.sent)
	}
	if observer.count == 0 {
		t.Fatalf("expected observer broadcasts")
	}
}

func TestTryAssignRollsBackWhenSendFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	reg := registry.New()
	sender := &fakeSender{ok: false}
	observer := &fakeBroadcaster{}
	s := New(store, reg, sender, observer, zap.NewNop())

	reg.UpsertOnline("agent-1", registry.Capabilities{})
	tk, _ := store.Create(ctx, task.Spec{Priority: task.PriorityMedium})

	s.TryAssign(ctx)

	got, _ := store.Get(ctx, tk.ID)
	if got.Status != task.StatusPending || got.AgentID != nil {
		t.Fatalf("task should have been rolled back to pending: %+v", got)
	}
	agent, _ := reg.Get("agent-1")
	if agent.Status != registry.StatusOnline || agent.CurrentTaskID != "" {
		t.Fatalf("agent should have been rolled back to online/idle: %+v", agent)
	}
}

func TestTryAssignStopsWhenNoIdleAgents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	reg := registry.New()
	sender := &fakeSender{ok: true}
	observer := &fakeBroadcaster{}
	s := New(store, reg, sender, observer, zap.NewNop())

	store.Create(ctx, task.Spec{Priority: task.PriorityHigh})
	s.TryAssign(ctx)

	if len(sender.sent) != 0 {
		t.Fatalf("expected no sends with zero idle agents, got %v", sender.sent)
	}
}
