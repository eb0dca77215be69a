package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/checkpoint"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/executor"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/transcode"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/wire"
)

func newTestHub(t *testing.T) (*wire.Hub, *httptest.Server) {
	t.Helper()
	hub := wire.NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wire.AcceptAgent(hub, w, r, zap.NewNop())
		if err != nil {
			t.Errorf("accept agent: %v", err)
			return
		}
		conn.Run()
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func newManagerInDir(t *testing.T, url, dir string) (*Manager, *checkpoint.Store) {
	t.Helper()
	store := checkpoint.New(dir)
	exec := executor.New(transcode.DefaultBinaries(), map[string]string{}, store, zap.NewNop())
	cfg := Config{
		AgentID:         "agent-1",
		OrchestratorURL: url,
		Capabilities:    registry.Capabilities{Codecs: []string{"h264"}, Formats: []string{"mp4"}},
	}
	return New(cfg, exec, store, zap.NewNop()), store
}

func newManager(t *testing.T, url string) (*Manager, *checkpoint.Store) {
	t.Helper()
	return newManagerInDir(t, url, t.TempDir())
}

func TestConnectSendsPlainConnectFrameWithNoCheckpoint(t *testing.T) {
	hub, srv := newTestHub(t)
	mgr, _ := newManager(t, wsURL(srv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mgr.Run(ctx)

	select {
	case f := <-hub.Inbound():
		if f.Message.Type != protocol.AgentConnect {
			t.Fatalf("first frame type = %s, want connect", f.Message.Type)
		}
		if f.Message.Data.Capabilities == nil {
			t.Fatal("connect frame missing capabilities")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connect frame")
	}
}

func TestHandshakeSendsReconnectFailedBeforeConnectWhenCrashed(t *testing.T) {
	hub, srv := newTestHub(t)
	dir := t.TempDir()

	// Seed the checkpoint file directly with a dead owner pid — simulating a
	// process that crashed mid-task, without the checkpoint package exposing
	// a test-only seam for it.
	const deadPID = 1 << 30
	checkpointJSON := fmt.Sprintf(
		`{"task_id":"crashed-task","started_at":%q,"progress":42,"owner_process_id":%d}`,
		time.Now().UTC().Format(time.RFC3339Nano), deadPID,
	)
	if err := os.WriteFile(filepath.Join(dir, "task_checkpoint.json"), []byte(checkpointJSON), 0o644); err != nil {
		t.Fatalf("seed checkpoint file: %v", err)
	}

	mgr, store := newManagerInDir(t, wsURL(srv), dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	first := recvFrame(t, hub)
	if first.Message.Type != protocol.AgentReconnect {
		t.Fatalf("first frame type = %s, want reconnect", first.Message.Type)
	}
	if first.Message.TaskID != "crashed-task" {
		t.Fatalf("reconnect task_id = %s, want crashed-task", first.Message.TaskID)
	}
	if first.Message.Data.Status != "failed" {
		t.Fatalf("reconnect status = %s, want failed", first.Message.Data.Status)
	}

	second := recvFrame(t, hub)
	if second.Message.Type != protocol.AgentConnect {
		t.Fatalf("second frame type = %s, want connect", second.Message.Type)
	}

	if _, ok, _ := store.Read(); ok {
		t.Fatal("checkpoint must be cleared after reporting the crash")
	}
}

func recvFrame(t *testing.T, hub *wire.Hub) wire.InboundFrame {
	t.Helper()
	select {
	case f := <-hub.Inbound():
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
		return wire.InboundFrame{}
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{1 * time.Second, 2 * time.Second},
		{2 * time.Second, 4 * time.Second},
		{16 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second},
	}
	for _, c := range cases {
		if got := nextBackoff(c.in); got != c.want {
			t.Errorf("nextBackoff(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
