package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a task id does not exist in the store.
var ErrNotFound = errors.New("task: not found")

// ErrConflict is returned when a mutation's precondition on the current
// status is not met — an assign on a non-PENDING task, a complete on a
// non-RUNNING task, a delete on an ASSIGNED/RUNNING task, and so on. The
// caller never observes a half-applied transition: on ErrConflict the row is
// guaranteed unchanged.
var ErrConflict = errors.New("task: conflict")

// ParseTaskID parses the string task_id carried on a wire frame into the
// uuid.UUID the store keys on. A malformed id is the caller's problem (a
// dropped frame), never a store-level error.
func ParseTaskID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// ListOptions carries pagination for List, following the teacher's
// repositories.ListOptions convention.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store is the task store adapter described in spec §4.1. The status
// transitions (Assign, UpdateProgress, Complete, Fail, ResetToPending,
// Cancel) are conditional SQL updates gated on the current status, giving
// atomic CAS semantics without a process-wide mutex; UpdatePriority is
// unconditional, and Delete checks the status with a read before deleting —
// this
// is the "conditional UPDATE" option spec §9's design note calls out as an
// alternative to the single-writer discipline.
type Store interface {
	Create(ctx context.Context, spec Spec) (*Task, error)
	Get(ctx context.Context, id uuid.UUID) (*Task, error)
	List(ctx context.Context, status Status, opts ListOptions) ([]Task, error)
	NextPending(ctx context.Context) (*Task, error)
	Assign(ctx context.Context, id uuid.UUID, agentID string) (*Task, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, progress float64) error
	Complete(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, msg string) error
	ResetToPending(ctx context.Context, id uuid.UUID) (*Task, error)
	UpdatePriority(ctx context.Context, id uuid.UUID, priority Priority) (*Task, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type gormStore struct {
	db *gorm.DB
}

// NewStore returns a Store backed by the given *gorm.DB.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Create(ctx context.Context, spec Spec) (*Task, error) {
	if !spec.Priority.Valid() {
		spec.Priority = PriorityMedium
	}
	t := &Task{
		Priority:       spec.Priority,
		Status:         StatusPending,
		InputFiles:     jsonColumn[[]InputFile]{Val: spec.InputFiles},
		OutputSettings: jsonColumn[OutputSettings]{Val: spec.OutputSettings},
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, fmt.Errorf("task: create: %w", err)
	}
	return t, nil
}

func (s *gormStore) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	var t Task
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("task: get: %w", err)
	}
	return &t, nil
}

// List returns tasks ordered by created_at descending, per spec §4.1.
// An empty status filters nothing.
func (s *gormStore) List(ctx context.Context, status Status, opts ListOptions) ([]Task, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	var tasks []Task
	if err := q.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("task: list: %w", err)
	}
	return tasks, nil
}

// priorityOrder is the SQL CASE expression implementing HIGH > MEDIUM > LOW
// without relying on lexical ordering of the priority strings.
const priorityOrder = "CASE priority WHEN 'HIGH' THEN 0 WHEN 'MEDIUM' THEN 1 ELSE 2 END ASC, created_at ASC"

func (s *gormStore) NextPending(ctx context.Context) (*Task, error) {
	var t Task
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order(priorityOrder).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("task: next pending: %w", err)
	}
	return &t, nil
}

// Assign is the CAS at the heart of invariant 4: it only succeeds when the
// row is still PENDING at the moment of the UPDATE.
func (s *gormStore) Assign(ctx context.Context, id uuid.UUID, agentID string) (*Task, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":     StatusAssigned,
			"agent_id":   agentID,
			"started_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("task: assign: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrConflict
	}
	return s.Get(ctx, id)
}

// UpdateProgress promotes ASSIGNED to RUNNING as a side effect, per spec
// §4.1. It returns ErrConflict and leaves the row unchanged if the task is
// not ASSIGNED or RUNNING — the dispatcher logs such late progress frames
// from a task the orchestrator has already resolved and drops them.
func (s *gormStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	result := s.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ? AND status IN ?", id, []Status{StatusAssigned, StatusRunning}).
		Updates(map[string]interface{}{
			"progress": progress,
			"status":   StatusRunning,
		})
	if result.Error != nil {
		return fmt.Errorf("task: update progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *gormStore) Complete(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Updates(map[string]interface{}{
			"status":       StatusCompleted,
			"progress":     float64(100),
			"completed_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("task: complete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *gormStore) Fail(ctx context.Context, id uuid.UUID, msg string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ? AND status IN ?", id, []Status{StatusAssigned, StatusRunning}).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"error_message": msg,
			"completed_at":  now,
		})
	if result.Error != nil {
		return fmt.Errorf("task: fail: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ResetToPending clears an assignment, returning the task to PENDING. It is
// valid from FAILED (a manual retry of a task that ran and failed) and from
// ASSIGNED (the scheduler's own rollback in try_assign when send_to fails
// right after the CAS assign — the task never started running, so there is
// nothing else to clear but the agent_id).
func (s *gormStore) ResetToPending(ctx context.Context, id uuid.UUID) (*Task, error) {
	result := s.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ? AND status IN ?", id, []Status{StatusFailed, StatusAssigned}).
		Updates(map[string]interface{}{
			"status":        StatusPending,
			"agent_id":      nil,
			"error_message": "",
			"progress":      float64(0),
			"started_at":    nil,
			"completed_at":  nil,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("task: reset to pending: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrConflict
	}
	return s.Get(ctx, id)
}

// UpdatePriority changes a task's scheduling priority in place. Valid at any
// status — priority only governs ordering within NextPending's query, so
// changing it on a task that is no longer PENDING is harmless bookkeeping,
// not a state transition, and carries no CAS precondition.
func (s *gormStore) UpdatePriority(ctx context.Context, id uuid.UUID, priority Priority) (*Task, error) {
	result := s.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ?", id).
		Update("priority", priority)
	if result.Error != nil {
		return nil, fmt.Errorf("task: update priority: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *gormStore) Cancel(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ? AND status IN ?", id, []Status{StatusPending, StatusAssigned, StatusRunning}).
		Updates(map[string]interface{}{
			"status":       StatusCancelled,
			"completed_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("task: cancel: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Delete forbids removing a task that is still in flight, per spec §4.1.
func (s *gormStore) Delete(ctx context.Context, id uuid.UUID) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == StatusAssigned || t.Status == StatusRunning {
		return ErrConflict
	}
	result := s.db.WithContext(ctx).Delete(&Task{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("task: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
