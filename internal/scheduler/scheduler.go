// Package scheduler implements the orchestrator's single entry point for
// matching pending tasks to idle agents — spec §4.4. It is new: the teacher
// has no analogous "assign work to a worker" concern, so this package is
// grounded on the teacher's broader single-writer-goroutine idiom (seen in
// websocket.Hub's Run loop) rather than on any one teacher file, generalized
// to serialize scheduling decisions the same way the hub serializes
// connection-registry mutations.
package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/task"
)

// Sender abstracts the connection layer's send_to, so the scheduler can be
// tested without a live WebSocket hub.
type Sender interface {
	SendTo(agentID string, msg protocol.OrchestratorMessage) bool
}

// Broadcaster abstracts the observer fan-out.
type Broadcaster interface {
	Broadcast(msg protocol.ObserverMessage)
}

// Scheduler owns the try_assign loop. Triggers are coalesced onto a single
// buffered channel so bursts of "task created" / "agent online" events
// collapse into one pass rather than piling up one goroutine per trigger.
type Scheduler struct {
	store    task.Store
	registry *registry.Registry
	sender   Sender
	observer Broadcaster
	logger   *zap.Logger

	triggers chan struct{}
}

// New constructs a Scheduler. Call Run in a goroutine to start consuming
// triggers.
func New(store task.Store, reg *registry.Registry, sender Sender, observer Broadcaster, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		registry: reg,
		sender:   sender,
		observer: observer,
		logger:   logger,
		// Depth 1 with a non-blocking send is deliberate: try_assign() already
		// drains every pending task in one pass, so at most one trigger waits
		// behind a running pass and any further triggers fold into it.
		// Coalescing avoids piling up redundant passes.
		triggers: make(chan struct{}, 1),
	}
}

// Trigger requests a try_assign pass. It never blocks: if a pass is already
// queued, this call is a no-op, since that pending pass will observe
// whatever state prompted this trigger too.
func (s *Scheduler) Trigger() {
	select {
	case s.triggers <- struct{}{}:
	default:
	}
}

// Run consumes triggers until ctx is cancelled, calling TryAssign for each.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-s.triggers:
			s.TryAssign(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// TryAssign drains the pending queue against idle agents, one assignment at
// a time, per spec §4.4's pseudocode. It is exported so tests can invoke a
// pass synchronously without waiting on the trigger channel.
func (s *Scheduler) TryAssign(ctx context.Context) {
	for {
		t, err := s.store.NextPending(ctx)
		if err != nil {
			if !errors.Is(err, task.ErrNotFound) {
				s.logger.Error("scheduler: next pending", zap.Error(err))
			}
			return
		}

		agentID, ok := s.registry.PickIdle()
		if !ok {
			return
		}

		assigned, err := s.store.Assign(ctx, t.ID, agentID)
		if err != nil {
			if errors.Is(err, task.ErrConflict) {
				// Lost the CAS race to another writer — retry from the top.
				continue
			}
			s.logger.Error("scheduler: assign", zap.Error(err))
			return
		}

		if err := s.registry.Bind(agentID, assigned.ID.String()); err != nil {
			// The agent went offline or was already bound between PickIdle and
			// here. Undo the store assignment and stop — the next trigger
			// (agent offline handling, or a fresh agent coming online) will
			// retry this task.
			s.logger.Warn("scheduler: bind failed after assign, rolling back",
				zap.String("agent_id", agentID), zap.Error(err))
			if _, rerr := s.store.ResetToPending(ctx, assigned.ID); rerr != nil {
				s.logger.Error("scheduler: rollback reset_to_pending", zap.Error(rerr))
			}
			return
		}

		if !s.sender.SendTo(agentID, protocol.Assign(assigned)) {
			s.logger.Warn("scheduler: send_to failed, agent just died, rolling back",
				zap.String("agent_id", agentID))
			if _, rerr := s.store.ResetToPending(ctx, assigned.ID); rerr != nil {
				s.logger.Error("scheduler: rollback reset_to_pending", zap.Error(rerr))
			}
			if uerr := s.registry.Unbind(agentID); uerr != nil {
				s.logger.Error("scheduler: rollback unbind", zap.Error(uerr))
			}
			return
		}

		s.observer.Broadcast(protocol.TaskUpdate(assigned))
		s.observer.Broadcast(protocol.AgentsUpdate(s.registry.Snapshot()))
	}
}
