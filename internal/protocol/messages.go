// Package protocol implements the tagged-union message codec for the
// agent<->orchestrator wire protocol (spec §6): JSON objects discriminated
// by a "type" field, carried over a WebSocket connection. It is the direct
// generalization of the teacher's single-topic websocket.Message envelope
// (server/internal/websocket/message.go) into the full routing table this
// system needs, with field names and required-field semantics following
// original_source's AgentMessage/OrchestratorMessage pydantic models.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/task"
)

// AgentMessageType enumerates the frame types an agent sends to the
// orchestrator.
type AgentMessageType string

const (
	AgentConnect   AgentMessageType = "connect"
	AgentHeartbeat AgentMessageType = "heartbeat"
	AgentProgress  AgentMessageType = "progress"
	AgentComplete  AgentMessageType = "complete"
	AgentFailed    AgentMessageType = "failed"
	AgentReconnect AgentMessageType = "reconnect"
)

// AgentData is the open-ended payload carried by agent frames. Only the
// fields relevant to the frame's type are required to be set — see
// ValidateAgent.
type AgentData struct {
	Capabilities *registry.Capabilities `json:"capabilities,omitempty"`
	Progress     *float64               `json:"progress,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Status       string                 `json:"status,omitempty"`
	CPUPercent   *float64               `json:"cpu_percent,omitempty"`
	MemPercent   *float64               `json:"mem_percent,omitempty"`
}

// AgentMessage is one frame received from an agent connection.
type AgentMessage struct {
	Type    AgentMessageType `json:"type"`
	AgentID string           `json:"agent_id,omitempty"`
	TaskID  string           `json:"task_id,omitempty"`
	Data    AgentData        `json:"data,omitempty"`
}

// errProtocolViolationFmt formats every required-field failure reported by
// ProtocolViolationError. Callers close
// the connection with WebSocket code 1003 (unsupported data) when they see
// this error, per spec §6 and §7.
var errProtocolViolationFmt = "protocol: %s frame missing required field %q"

// ProtocolViolationError is returned by ParseAgentMessage and ValidateAgent
// when a frame fails the required-field check for its declared type.
type ProtocolViolationError struct {
	Type  string
	Field string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf(errProtocolViolationFmt, e.Type, e.Field)
}

func violation(msgType AgentMessageType, field string) error {
	return &ProtocolViolationError{Type: string(msgType), Field: field}
}

// ValidateAgent checks that m carries every field spec §6's table marks
// required for its type. Unknown types are not an error here — the agent
// connection's read loop in internal/wire logs and drops them per spec,
// rather than closing the connection.
func ValidateAgent(m AgentMessage) error {
	if !IsKnownAgentType(m.Type) {
		// Unknown types are the read loop's concern (log + drop), not a
		// protocol violation that closes the connection.
		return nil
	}
	if m.Type != AgentConnect && m.Type != AgentReconnect && m.AgentID == "" {
		return violation(m.Type, "agent_id")
	}

	switch m.Type {
	case AgentConnect:
		if m.AgentID == "" {
			return violation(m.Type, "agent_id")
		}
		if m.Data.Capabilities == nil {
			return violation(m.Type, "data.capabilities")
		}
	case AgentHeartbeat:
		// agent_id already checked above.
	case AgentProgress:
		if m.TaskID == "" {
			return violation(m.Type, "task_id")
		}
		if m.Data.Progress == nil {
			return violation(m.Type, "data.progress")
		}
		if *m.Data.Progress < 0 || *m.Data.Progress >= 100 {
			return violation(m.Type, "data.progress (out of [0,100))")
		}
	case AgentComplete:
		if m.TaskID == "" {
			return violation(m.Type, "task_id")
		}
	case AgentFailed:
		if m.TaskID == "" {
			return violation(m.Type, "task_id")
		}
		if m.Data.Error == "" {
			return violation(m.Type, "data.error")
		}
	case AgentReconnect:
		if m.AgentID == "" {
			return violation(m.Type, "agent_id")
		}
		if m.TaskID == "" {
			return violation(m.Type, "task_id")
		}
		if m.Data.Status != "failed" && m.Data.Status != "running" {
			return violation(m.Type, `data.status (must be "failed" or "running")`)
		}
	}
	return nil
}

// IsKnownAgentType reports whether t is one of the six frame types spec §6
// defines. Callers should log and drop frames of any other type without
// forwarding them to the dispatcher or closing the connection.
func IsKnownAgentType(t AgentMessageType) bool {
	switch t {
	case AgentConnect, AgentHeartbeat, AgentProgress, AgentComplete, AgentFailed, AgentReconnect:
		return true
	default:
		return false
	}
}

// ParseAgentMessage decodes and validates one inbound frame.
func ParseAgentMessage(raw []byte) (AgentMessage, error) {
	var m AgentMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return AgentMessage{}, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if err := ValidateAgent(m); err != nil {
		return AgentMessage{}, err
	}
	return m, nil
}

// OrchestratorMessageType enumerates the frame types the orchestrator sends
// to an agent.
type OrchestratorMessageType string

const (
	OrchestratorAssign      OrchestratorMessageType = "assign"
	OrchestratorCancel      OrchestratorMessageType = "cancel"
	OrchestratorPing        OrchestratorMessageType = "ping"
	OrchestratorAcknowledge OrchestratorMessageType = "acknowledge"
)

// TaskRef is the minimal {"id": ...} object carried by a cancel frame —
// spec §6 only requires task.id, not the full task dict.
type TaskRef struct {
	ID string `json:"id"`
}

// OrchestratorMessage is one frame sent to an agent connection.
type OrchestratorMessage struct {
	Type    OrchestratorMessageType `json:"type"`
	Task    *task.Task              `json:"task,omitempty"`
	Cancel  *TaskRef                `json:"-"`
	Message string                  `json:"message,omitempty"`
}

// MarshalJSON emits Cancel under the same "task" key assign uses, since
// both are framed as {"type":..., "task": {...}} — only the shape of the
// task object differs (full dict vs. {"id":...}).
func (m OrchestratorMessage) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type    OrchestratorMessageType `json:"type"`
		Task    interface{}             `json:"task,omitempty"`
		Message string                  `json:"message,omitempty"`
	}
	w := wire{Type: m.Type, Message: m.Message}
	if m.Task != nil {
		w.Task = m.Task
	} else if m.Cancel != nil {
		w.Task = m.Cancel
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an orchestrator frame, dispatching the "task" field
// to either a full task.Task (assign) or a bare TaskRef (cancel) depending
// on the declared type — the inverse of MarshalJSON's shared "task" key.
func (m *OrchestratorMessage) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type    OrchestratorMessageType `json:"type"`
		Message string                  `json:"message,omitempty"`
		Task    json.RawMessage         `json:"task,omitempty"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("protocol: malformed orchestrator frame: %w", err)
	}
	m.Type = probe.Type
	m.Message = probe.Message
	m.Task = nil
	m.Cancel = nil
	if len(probe.Task) == 0 {
		return nil
	}
	switch probe.Type {
	case OrchestratorCancel:
		var ref TaskRef
		if err := json.Unmarshal(probe.Task, &ref); err != nil {
			return fmt.Errorf("protocol: malformed cancel task ref: %w", err)
		}
		m.Cancel = &ref
	default:
		var t task.Task
		if err := json.Unmarshal(probe.Task, &t); err != nil {
			return fmt.Errorf("protocol: malformed task dict: %w", err)
		}
		m.Task = &t
	}
	return nil
}

// Assign builds an "assign" frame dispatching t to an agent.
func Assign(t *task.Task) OrchestratorMessage {
	return OrchestratorMessage{Type: OrchestratorAssign, Task: t}
}

// Cancel builds a "cancel" frame naming the task to abort.
func Cancel(taskID string) OrchestratorMessage {
	return OrchestratorMessage{Type: OrchestratorCancel, Cancel: &TaskRef{ID: taskID}}
}

// Ping builds a liveness probe frame.
func Ping() OrchestratorMessage {
	return OrchestratorMessage{Type: OrchestratorPing}
}

// Acknowledge builds the response to a successful connect frame.
func Acknowledge(message string) OrchestratorMessage {
	return OrchestratorMessage{Type: OrchestratorAcknowledge, Message: message}
}

// AgentDict is the observer-facing representation of one registry.Agent —
// spec §6's "agents_update" frame shape.
type AgentDict struct {
	ID            string                `json:"id"`
	Status        registry.Status       `json:"status"`
	CurrentTaskID *string               `json:"current_task_id"`
	LastHeartbeat *string               `json:"last_heartbeat"`
	Capabilities  registry.Capabilities `json:"capabilities"`
}

// ToAgentDict converts a registry.Agent snapshot to its wire representation.
func ToAgentDict(a registry.Agent) AgentDict {
	d := AgentDict{ID: a.ID, Status: a.Status, Capabilities: a.Capabilities}
	if a.CurrentTaskID != "" {
		id := a.CurrentTaskID
		d.CurrentTaskID = &id
	}
	if !a.LastHeartbeat.IsZero() {
		ts := a.LastHeartbeat.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")
		d.LastHeartbeat = &ts
	}
	return d
}

// ObserverMessage is a broadcast-only frame sent to observer connections —
// spec §6's observer protocol. Exactly one of Agents or Task is populated.
type ObserverMessage struct {
	Type   string               `json:"type"`
	Agents map[string]AgentDict `json:"agents,omitempty"`
	Task   *task.Task           `json:"task,omitempty"`
}

// AgentsUpdate builds an "agents_update" observer broadcast from a registry
// snapshot.
func AgentsUpdate(snapshot map[string]registry.Agent) ObserverMessage {
	agents := make(map[string]AgentDict, len(snapshot))
	for id, a := range snapshot {
		agents[id] = ToAgentDict(a)
	}
	return ObserverMessage{Type: "agents_update", Agents: agents}
}

// TaskUpdate builds a "task_update" observer broadcast for a single task.
func TaskUpdate(t *task.Task) ObserverMessage {
	return ObserverMessage{Type: "task_update", Task: t}
}
