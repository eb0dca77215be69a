package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/task"
)

func TestParseAgentMessageConnectRequiresCapabilities(t *testing.T) {
	raw := []byte(`{"type":"connect","agent_id":"a1"}`)
	if _, err := ParseAgentMessage(raw); err == nil {
		t.Fatalf("expected error for connect frame missing data.capabilities")
	}

	raw = []byte(`{"type":"connect","agent_id":"a1","data":{"capabilities":{"codecs":["h264"]}}}`)
	m, err := ParseAgentMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.AgentID != "a1" || m.Data.Capabilities == nil {
		t.Fatalf("unexpected message: %+v", m)
	}
}

func TestParseAgentMessageHeartbeatRequiresAgentID(t *testing.T) {
	if _, err := ParseAgentMessage([]byte(`{"type":"heartbeat"}`)); err == nil {
		t.Fatalf("expected error for heartbeat missing agent_id")
	}
	m, err := ParseAgentMessage([]byte(`{"type":"heartbeat","agent_id":"a1"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Type != AgentHeartbeat {
		t.Fatalf("type = %s", m.Type)
	}
}

func TestParseAgentMessageProgressRejectsOutOfRange(t *testing.T) {
	cases := []string{
		`{"type":"progress","agent_id":"a1","task_id":"t1","data":{"progress":100}}`,
		`{"type":"progress","agent_id":"a1","task_id":"t1","data":{"progress":-1}}`,
		`{"type":"progress","agent_id":"a1","task_id":"t1"}`,
	}
	for _, raw := range cases {
		if _, err := ParseAgentMessage([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}

	m, err := ParseAgentMessage([]byte(`{"type":"progress","agent_id":"a1","task_id":"t1","data":{"progress":42.5}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Data.Progress == nil || *m.Data.Progress != 42.5 {
		t.Fatalf("unexpected progress: %+v", m.Data.Progress)
	}
}

func TestParseAgentMessageFailedRequiresError(t *testing.T) {
	if _, err := ParseAgentMessage([]byte(`{"type":"failed","agent_id":"a1","task_id":"t1"}`)); err == nil {
		t.Fatalf("expected error for failed frame missing data.error")
	}
	m, err := ParseAgentMessage([]byte(`{"type":"failed","agent_id":"a1","task_id":"t1","data":{"error":"boom"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Data.Error != "boom" {
		t.Fatalf("error = %q", m.Data.Error)
	}
}

func TestParseAgentMessageReconnectRequiresValidStatus(t *testing.T) {
	if _, err := ParseAgentMessage([]byte(`{"type":"reconnect","agent_id":"a1","task_id":"t1","data":{"status":"done"}}`)); err == nil {
		t.Fatalf("expected error for invalid data.status")
	}
	m, err := ParseAgentMessage([]byte(`{"type":"reconnect","agent_id":"a1","task_id":"t1","data":{"status":"running"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Data.Status != "running" {
		t.Fatalf("status = %q", m.Data.Status)
	}
}

func TestParseAgentMessageUnknownTypePassesThrough(t *testing.T) {
	m, err := ParseAgentMessage([]byte(`{"type":"mystery","agent_id":"a1"}`))
	if err != nil {
		t.Fatalf("unknown type should not fail validation, got: %v", err)
	}
	if m.Type != "mystery" {
		t.Fatalf("type = %s", m.Type)
	}
}

func TestAssignMessageRoundTrips(t *testing.T) {
	id, _ := uuid.NewV7()
	tk := &task.Task{ID: id, Priority: task.PriorityHigh, Status: task.StatusPending}
	msg := Assign(tk)

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "assign" {
		t.Fatalf("type = %v", decoded["type"])
	}
	taskObj, ok := decoded["task"].(map[string]interface{})
	if !ok {
		t.Fatalf("task field missing or wrong shape: %v", decoded["task"])
	}
	if taskObj["id"] != id.String() {
		t.Fatalf("task.id = %v, want %s", taskObj["id"], id.String())
	}
}

func TestCancelMessageCarriesOnlyTaskID(t *testing.T) {
	msg := Cancel("t1")
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]interface{}
	json.Unmarshal(raw, &decoded)
	taskObj, ok := decoded["task"].(map[string]interface{})
	if !ok {
		t.Fatalf("task field missing or wrong shape: %v", decoded["task"])
	}
	if taskObj["id"] != "t1" {
		t.Fatalf("task.id = %v, want t1", taskObj["id"])
	}
	if len(taskObj) != 1 {
		t.Fatalf("cancel task object should only carry id, got %v", taskObj)
	}
}

func TestAgentsUpdateObserverFrame(t *testing.T) {
	snap := map[string]registry.Agent{
		"a1": {ID: "a1", Status: registry.StatusOnline},
	}
	msg := AgentsUpdate(snap)
	if msg.Type != "agents_update" {
		t.Fatalf("type = %s", msg.Type)
	}
	if msg.Agents["a1"].Status != registry.StatusOnline {
		t.Fatalf("unexpected agent dict: %+v", msg.Agents["a1"])
	}
}
