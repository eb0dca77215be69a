package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/scheduler"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/task"
)

// TaskHandler groups the task-related HTTP handlers. Tasks are created and
// read through the REST surface, but mutated in flight exclusively by the
// agent WebSocket protocol — the handlers here never touch progress, and
// change status only through Cancel (PENDING tasks), the PATCH restart of a
// FAILED task, and Delete.
type TaskHandler struct {
	store  task.Store
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(store task.Store, sched *scheduler.Scheduler, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{store: store, sched: sched, logger: logger.Named("task_handler")}
}

type listTasksResponse struct {
	Items []task.Task `json:"items"`
}

// List handles GET /api/v1/tasks. Supports an optional ?status= filter
// (matching the store's indexed column) and an optional ?agent_id= filter
// applied in-memory, since the store itself has no per-agent index to query.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	opts := paginationOpts(r)

	tasks, err := h.store.List(r.Context(), status, opts)
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		ErrInternal(w)
		return
	}

	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.AgentID != nil && *t.AgentID == agentID {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	Ok(w, listTasksResponse{Items: tasks})
}

// GetByID handles GET /api/v1/tasks/{id}.
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get task", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, t)
}

// createTaskRequest is the JSON body expected by POST /api/v1/tasks.
type createTaskRequest struct {
	Priority       task.Priority       `json:"priority"`
	InputFiles     []task.InputFile    `json:"input_files"`
	OutputSettings task.OutputSettings `json:"output_settings"`
}

// Create handles POST /api/v1/tasks. The new task starts PENDING; the
// scheduler is triggered immediately so an idle agent can pick it up without
// waiting for the next unrelated event.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.InputFiles) == 0 {
		ErrBadRequest(w, "input_files must not be empty")
		return
	}
	if req.Priority != "" && !req.Priority.Valid() {
		ErrBadRequest(w, "priority must be one of LOW, MEDIUM, HIGH")
		return
	}

	t, err := h.store.Create(r.Context(), task.Spec{
		Priority:       req.Priority,
		InputFiles:     req.InputFiles,
		OutputSettings: req.OutputSettings,
	})
	if err != nil {
		h.logger.Error("failed to create task", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.sched.Trigger()
	Created(w, t)
}

// Cancel handles POST /api/v1/tasks/{id}/cancel. Per the task state DAG's
// REST-surface restriction, only a PENDING task can be cancelled through
// this endpoint — an ASSIGNED or RUNNING task has an agent already working
// on it, and this surface has no wiring to interrupt that agent (no
// orchestrator component sends the cancel frame; see SPEC_FULL.md's
// cancel-frame design note).
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get task for cancel", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if t.Status == task.StatusAssigned || t.Status == task.StatusRunning {
		ErrConflict(w, "task is already assigned or running; the REST surface cannot cancel in-flight work")
		return
	}

	if err := h.store.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, task.ErrConflict) {
			ErrConflict(w, "task is no longer cancellable")
			return
		}
		h.logger.Error("failed to cancel task", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	t, err = h.store.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to reload cancelled task", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, t)
}

// patchTaskRequest is the JSON body expected by PATCH /api/v1/tasks/{id}.
// Both fields are optional; an absent field is left untouched.
type patchTaskRequest struct {
	Priority *task.Priority `json:"priority"`
	Status   *task.Status   `json:"status"`
}

// Update handles PATCH /api/v1/tasks/{id}. Per spec §6, this accepts
// priority and status; setting status=PENDING on a FAILED task restarts it
// (reset_to_pending, then a scheduler trigger so the restart doesn't wait
// for an unrelated event). status is the only transition this endpoint
// drives — any other value is rejected, since every other transition is
// owned by the agent wire protocol.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req patchTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Priority == nil && req.Status == nil {
		ErrBadRequest(w, "patch body must set priority and/or status")
		return
	}
	if req.Priority != nil && !req.Priority.Valid() {
		ErrBadRequest(w, "priority must be one of LOW, MEDIUM, HIGH")
		return
	}
	if req.Status != nil && *req.Status != task.StatusPending {
		ErrBadRequest(w, "status may only be set to PENDING (restart a FAILED task)")
		return
	}

	if req.Priority != nil {
		if _, err := h.store.UpdatePriority(r.Context(), id, *req.Priority); err != nil {
			if errors.Is(err, task.ErrNotFound) {
				ErrNotFound(w)
				return
			}
			h.logger.Error("failed to update task priority", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	if req.Status != nil {
		// ResetToPending's own CAS also accepts ASSIGNED, for the
		// scheduler's internal dispatch-rollback use — but the REST
		// contract (spec §6) only ever restarts a FAILED task, so this
		// handler narrows that down before calling it, rather than letting
		// a client bounce a task an agent is currently working on back to
		// PENDING out from under it.
		current, err := h.store.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				ErrNotFound(w)
				return
			}
			h.logger.Error("failed to get task before restart", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
			return
		}
		if current.Status != task.StatusFailed {
			ErrConflict(w, "task must be FAILED to restart")
			return
		}

		if _, err := h.store.ResetToPending(r.Context(), id); err != nil {
			if errors.Is(err, task.ErrConflict) {
				ErrConflict(w, "task must be FAILED to restart")
				return
			}
			h.logger.Error("failed to reset task to pending", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
			return
		}
		h.sched.Trigger()
	}

	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to reload patched task", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, t)
}

// Delete handles DELETE /api/v1/tasks/{id}. Per spec §6 and §4.1, deleting
// an ASSIGNED/RUNNING task is rejected with 400 rather than the 409 other
// precondition failures use elsewhere on this surface — the spec states the
// delete scenario's status code explicitly.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		if errors.Is(err, task.ErrConflict) {
			ErrBadRequest(w, "task is assigned or running; delete is rejected")
			return
		}
		h.logger.Error("failed to delete task", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}
