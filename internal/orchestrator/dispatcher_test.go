package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/scheduler"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/task"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/wire"
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

type harness struct {
	store task.Store
	reg   *registry.Registry
	hub   *wire.Hub
	obs   *wire.ObserverHub
	sched *scheduler.Scheduler
	disp  *Dispatcher
	srv   *httptest.Server
}

func newHarness(t *testing.T) (*harness, context.CancelFunc) {
	t.Helper()
	logger := zap.NewNop()
	store := newTestStore(t)
	reg := registry.New()
	hub := wire.NewHub(logger)
	obs := wire.NewObserverHub(logger)
	sched := scheduler.New(store, reg, hub, obs, logger)
	disp := New(store, reg, hub, obs, sched, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	go obs.Run(ctx)
	go sched.Run(ctx)
	go disp.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", disp.HandleAgentWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &harness{store: store, reg: reg, hub: hub, obs: obs, sched: sched, disp: disp, srv: srv}, cancel
}

func (h *harness) dialAgent(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/agent"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return m
}

func TestConnectRegistersAgentAndAcknowledges(t *testing.T) {
	h, cancel := newHarness(t)
	defer cancel()
	conn := h.dialAgent(t)

	connectFrame := `{"type":"connect","agent_id":"a1","data":{"capabilities":{"codecs":["h264"]}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(connectFrame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, conn, 2*time.Second)
	if frame["type"] != "acknowledge" {
		t.Fatalf("expected acknowledge, got %v", frame)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if a, ok := h.reg.Get("a1"); ok && a.Status == registry.StatusOnline {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never came online in registry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectThenPendingTaskIsAssigned(t *testing.T) {
	h, cancel := newHarness(t)
	defer cancel()
	conn := h.dialAgent(t)

	ctx := context.Background()
	tk, err := h.store.Create(ctx, task.Spec{Priority: task.PriorityHigh})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	connectFrame := `{"type":"connect","agent_id":"a1","data":{"capabilities":{"codecs":["h264"]}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(connectFrame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// First frame back is the connect acknowledgement.
	ack := readFrame(t, conn, 2*time.Second)
	if ack["type"] != "acknowledge" {
		t.Fatalf("expected acknowledge first, got %v", ack)
	}

	// Second frame is the scheduler's assignment, triggered by the connect.
	assign := readFrame(t, conn, 2*time.Second)
	if assign["type"] != "assign" {
		t.Fatalf("expected assign, got %v", assign)
	}
	taskObj, ok := assign["task"].(map[string]interface{})
	if !ok || taskObj["id"] != tk.ID.String() {
		t.Fatalf("assigned task mismatch: %v", assign["task"])
	}

	got, _ := h.store.Get(ctx, tk.ID)
	if got.Status != task.StatusAssigned {
		t.Fatalf("status = %s, want ASSIGNED", got.Status)
	}
}

func TestProgressAndCompleteFlow(t *testing.T) {
	h, cancel := newHarness(t)
	defer cancel()
	conn := h.dialAgent(t)
	ctx := context.Background()

	tk, _ := h.store.Create(ctx, task.Spec{Priority: task.PriorityMedium})
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connect","agent_id":"a1","data":{"capabilities":{"codecs":["h264"]}}}`))
	readFrame(t, conn, 2*time.Second) // acknowledge
	readFrame(t, conn, 2*time.Second) // assign

	progress := `{"type":"progress","agent_id":"a1","task_id":"` + tk.ID.String() + `","data":{"progress":50}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(progress)); err != nil {
		t.Fatalf("write progress: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := h.store.Get(ctx, tk.ID)
		if got.Progress == 50 && got.Status == task.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("progress update never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	complete := `{"type":"complete","agent_id":"a1","task_id":"` + tk.ID.String() + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(complete)); err != nil {
		t.Fatalf("write complete: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		got, _ := h.store.Get(ctx, tk.ID)
		if got.Status == task.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	agent, _ := h.reg.Get("a1")
	if agent.Status != registry.StatusOnline || agent.CurrentTaskID != "" {
		t.Fatalf("agent should be unbound after complete: %+v", agent)
	}
}

func TestFailedFrameMarksTaskFailedAndUnbindsAgent(t *testing.T) {
	h, cancel := newHarness(t)
	defer cancel()
	conn := h.dialAgent(t)
	ctx := context.Background()

	tk, _ := h.store.Create(ctx, task.Spec{Priority: task.PriorityLow})
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connect","agent_id":"a1","data":{"capabilities":{"codecs":["h264"]}}}`))
	readFrame(t, conn, 2*time.Second)
	readFrame(t, conn, 2*time.Second)

	failed := `{"type":"failed","agent_id":"a1","task_id":"` + tk.ID.String() + `","data":{"error":"boom"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(failed)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := h.store.Get(ctx, tk.ID)
		if got.Status == task.StatusFailed && got.ErrorMessage == "boom" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never failed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconnectFailedUnbindsAgentSoItCanReceiveWork(t *testing.T) {
	h, cancel := newHarness(t)
	defer cancel()
	conn := h.dialAgent(t)
	ctx := context.Background()

	tk, _ := h.store.Create(ctx, task.Spec{Priority: task.PriorityLow})
	if _, err := h.store.Assign(ctx, tk.ID, "a1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	reconnect := `{"type":"reconnect","agent_id":"a1","task_id":"` + tk.ID.String() + `","data":{"status":"failed","error":"agent crashed"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(reconnect)); err != nil {
		t.Fatalf("write reconnect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := h.store.Get(ctx, tk.ID)
		agent, ok := h.reg.Get("a1")
		if got.Status == task.StatusFailed && ok && agent.Status == registry.StatusOnline && agent.CurrentTaskID == "" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never unbound after reconnect(failed): task=%+v agent=%+v", got, agent)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
