// Package task defines the Task domain type and the durable store adapter
// that backs it. A Task is the unit of work the scheduler hands to agents;
// its status field is the authoritative state for the orchestrator's control
// plane.
package task

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Priority orders pending tasks for assignment. HIGH beats MEDIUM beats LOW;
// within a priority, tasks are served FIFO by created_at.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// rank returns the priority's weight — higher is more urgent. NextPending
// orders by the SQL CASE in priorityOrder, not by rank.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the three known priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	default:
		return false
	}
}

// Status is one node in the task state DAG:
//
//	PENDING -> {ASSIGNED, CANCELLED}
//	ASSIGNED -> {RUNNING, FAILED, CANCELLED}
//	RUNNING -> {COMPLETED, FAILED, CANCELLED}
//	FAILED -> PENDING (restart)
//
// COMPLETED and CANCELLED are terminal with no outgoing edges.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAssigned  Status = "ASSIGNED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// InputFile is one source file a task reads, addressed by a storage_id that
// the agent resolves to a filesystem path via its storage map.
type InputFile struct {
	StorageID string `json:"storage_id"`
	Path      string `json:"path"`
}

// OutputSettings describes the encode target. Codec and Resolution are the
// fields this system understands; Extra preserves any additional opaque
// keys the caller sent so round-tripping through the store does not lose
// forward-compatible fields.
type OutputSettings struct {
	StorageID  string                 `json:"storage_id"`
	Path       string                 `json:"path"`
	Codec      string                 `json:"codec"`
	Resolution string                 `json:"resolution"`
	Extra      map[string]interface{} `json:"-"`
}

const (
	CodecH264 = "h264"
	CodecH265 = "h265"
	CodecVP9  = "vp9"
)

// MarshalJSON flattens Extra back into the top-level object alongside the
// known fields, so additional opaque keys survive a store round-trip.
func (o OutputSettings) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(o.Extra)+4)
	for k, v := range o.Extra {
		out[k] = v
	}
	out["storage_id"] = o.StorageID
	out["path"] = o.Path
	out["codec"] = o.Codec
	out["resolution"] = o.Resolution
	return json.Marshal(out)
}

// UnmarshalJSON splits the known fields out of the object and keeps the rest
// in Extra.
func (o *OutputSettings) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["storage_id"].(string); ok {
		o.StorageID = v
	}
	if v, ok := raw["path"].(string); ok {
		o.Path = v
	}
	if v, ok := raw["codec"].(string); ok {
		o.Codec = v
	}
	if v, ok := raw["resolution"].(string); ok {
		o.Resolution = v
	}
	delete(raw, "storage_id")
	delete(raw, "path")
	delete(raw, "codec")
	delete(raw, "resolution")
	if len(raw) > 0 {
		o.Extra = raw
	}
	return nil
}

// jsonColumn is a generic GORM column type that serializes a JSON-shaped
// value to a TEXT column. It plays the role the teacher's EncryptedString
// type plays for Destination credentials — here there is nothing to
// encrypt, only JSON to flatten, so the Value/Scan pair is simpler.
type jsonColumn[T any] struct {
	Val T
}

func (c jsonColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(c.Val)
	if err != nil {
		return nil, fmt.Errorf("task: marshal json column: %w", err)
	}
	return string(b), nil
}

func (c *jsonColumn[T]) Scan(v interface{}) error {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		return fmt.Errorf("task: unsupported scan source %T for json column", v)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, &c.Val)
}

// Task is both the domain type and the GORM row — following the teacher's
// convention of operating repositories directly on the persisted struct
// rather than maintaining a parallel domain model.
type Task struct {
	ID             uuid.UUID                    `gorm:"type:text;primaryKey" json:"id"`
	Priority       Priority                     `gorm:"not null;index" json:"priority"`
	Status         Status                       `gorm:"not null;index" json:"status"`
	AgentID        *string                      `gorm:"index" json:"agent_id"`
	InputFiles     jsonColumn[[]InputFile]      `gorm:"type:text;column:input_files" json:"-"`
	OutputSettings jsonColumn[OutputSettings]   `gorm:"type:text;column:output_settings" json:"-"`
	Progress       float64                      `gorm:"not null;default:0" json:"progress"`
	ErrorMessage   string                       `gorm:"default:''" json:"error_message"`
	CreatedAt      time.Time                    `gorm:"not null;index" json:"created_at"`
	StartedAt      *time.Time                   `json:"started_at"`
	CompletedAt    *time.Time                   `json:"completed_at"`
}

// BeforeCreate assigns a time-ordered UUIDv7 if the caller did not set one,
// mirroring the teacher's base.BeforeCreate hook.
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		t.ID = id
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return nil
}

// taskJSON is the wire/JSON shape of a Task — it flattens the jsonColumn
// wrappers so API responses and protocol "assign" frames see plain
// input_files / output_settings fields.
type taskJSON struct {
	ID             uuid.UUID      `json:"id"`
	Priority       Priority       `json:"priority"`
	Status         Status         `json:"status"`
	AgentID        *string        `json:"agent_id"`
	InputFiles     []InputFile    `json:"input_files"`
	OutputSettings OutputSettings `json:"output_settings"`
	Progress       float64        `json:"progress"`
	ErrorMessage   string         `json:"error_message"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at"`
}

// MarshalJSON produces the flattened wire representation of a Task.
func (t Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskJSON{
		ID:             t.ID,
		Priority:       t.Priority,
		Status:         t.Status,
		AgentID:        t.AgentID,
		InputFiles:     t.InputFiles.Val,
		OutputSettings: t.OutputSettings.Val,
		Progress:       t.Progress,
		ErrorMessage:   t.ErrorMessage,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
	})
}

// UnmarshalJSON parses the flattened wire representation into a Task.
func (t *Task) UnmarshalJSON(data []byte) error {
	var j taskJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	t.ID = j.ID
	t.Priority = j.Priority
	t.Status = j.Status
	t.AgentID = j.AgentID
	t.InputFiles = jsonColumn[[]InputFile]{Val: j.InputFiles}
	t.OutputSettings = jsonColumn[OutputSettings]{Val: j.OutputSettings}
	t.Progress = j.Progress
	t.ErrorMessage = j.ErrorMessage
	t.CreatedAt = j.CreatedAt
	t.StartedAt = j.StartedAt
	t.CompletedAt = j.CompletedAt
	return nil
}

// Spec is the caller-supplied payload for Create — only the fields a client
// may set. The store fills in id, status and created_at.
type Spec struct {
	Priority       Priority
	InputFiles     []InputFile
	OutputSettings OutputSettings
}
