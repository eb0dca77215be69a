// Package orchestrator owns the long-lived per-agent dispatch loop described
// in spec §4.5: it reads frames off the wire hub's inbound channel, applies
// the routing table, and feeds the scheduler. This is new logic with no
// single teacher analogue — the closest shape in the pack is the teacher's
// gRPC job-stream handling (agent/internal/connection/manager.go's
// jobStreamLoop) mirrored from the opposite side of the wire.
package orchestrator

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/scheduler"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/task"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/wire"
)

// MetricsSink receives a callback for every task reaching a terminal state.
// internal/api's Metrics type implements this; nil-safe no-op by default so
// the dispatcher never needs a nil check at call sites.
type MetricsSink interface {
	TaskCompleted(priority string, duration time.Duration)
	TaskFailed(priority string)
}

type noopMetrics struct{}

func (noopMetrics) TaskCompleted(string, time.Duration) {}
func (noopMetrics) TaskFailed(string)                   {}

// Dispatcher routes inbound agent frames to the task store and registry,
// and pushes the resulting state out to observers and back to the scheduler.
type Dispatcher struct {
	store     task.Store
	registry  *registry.Registry
	hub       *wire.Hub
	observers *wire.ObserverHub
	sched     *scheduler.Scheduler
	metrics   MetricsSink
	logger    *zap.Logger
}

// New constructs a Dispatcher wired to the given components.
func New(store task.Store, reg *registry.Registry, hub *wire.Hub, observers *wire.ObserverHub, sched *scheduler.Scheduler, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		registry:  reg,
		hub:       hub,
		observers: observers,
		sched:     sched,
		metrics:   noopMetrics{},
		logger:    logger,
	}
}

// SetMetrics installs the Prometheus sink. Called once from main after the
// dispatcher and the metrics registry are both constructed.
func (d *Dispatcher) SetMetrics(m MetricsSink) {
	d.metrics = m
}

// Run consumes the hub's inbound channel until ctx is cancelled. Frames from
// one agent connection arrive in order because the connection's readPump is
// the sole writer into the shared channel for that agent; dispatching them
// one at a time here keeps per-task state transitions totally ordered.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case f := <-d.hub.Inbound():
			d.route(ctx, f)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, f wire.InboundFrame) {
	switch f.Message.Type {
	case protocol.AgentConnect:
		d.handleConnect(f)
	case protocol.AgentHeartbeat:
		d.handleHeartbeat(f)
	case protocol.AgentProgress:
		d.handleProgress(ctx, f)
	case protocol.AgentComplete:
		d.handleComplete(ctx, f)
	case protocol.AgentFailed:
		d.handleFailed(ctx, f)
	case protocol.AgentReconnect:
		d.handleReconnect(ctx, f)
	}
}

func (d *Dispatcher) handleConnect(f wire.InboundFrame) {
	var caps registry.Capabilities
	if f.Message.Data.Capabilities != nil {
		caps = *f.Message.Data.Capabilities
	}
	d.registry.UpsertOnline(f.AgentID, caps)
	d.hub.SendTo(f.AgentID, protocol.Acknowledge("connected"))
	d.broadcastAgents()
	d.sched.Trigger()
}

func (d *Dispatcher) handleHeartbeat(f wire.InboundFrame) {
	if err := d.registry.TouchHeartbeat(f.AgentID); err != nil {
		d.logger.Warn("dispatcher: heartbeat from unregistered agent", zap.String("agent_id", f.AgentID))
	}
}

func (d *Dispatcher) handleProgress(ctx context.Context, f wire.InboundFrame) {
	if !d.boundToThisAgent(f) {
		return
	}
	id, err := task.ParseTaskID(f.Message.TaskID)
	if err != nil {
		d.logger.Warn("dispatcher: malformed task_id in progress frame", zap.Error(err))
		return
	}
	if err := d.store.UpdateProgress(ctx, id, *f.Message.Data.Progress); err != nil {
		d.logger.Warn("dispatcher: update progress", zap.Error(err))
		return
	}
	d.broadcastTask(ctx, id)
}

func (d *Dispatcher) handleComplete(ctx context.Context, f wire.InboundFrame) {
	if !d.boundToThisAgent(f) {
		return
	}
	id, err := task.ParseTaskID(f.Message.TaskID)
	if err != nil {
		d.logger.Warn("dispatcher: malformed task_id in complete frame", zap.Error(err))
		return
	}
	if err := d.store.Complete(ctx, id); err != nil {
		d.logger.Warn("dispatcher: complete", zap.Error(err))
		return
	}
	d.registry.Unbind(f.AgentID)
	if tk, err := d.store.Get(ctx, id); err == nil && tk.StartedAt != nil && tk.CompletedAt != nil {
		d.metrics.TaskCompleted(string(tk.Priority), tk.CompletedAt.Sub(*tk.StartedAt))
	}
	d.broadcastTask(ctx, id)
	d.broadcastAgents()
	d.sched.Trigger()
}

func (d *Dispatcher) handleFailed(ctx context.Context, f wire.InboundFrame) {
	if !d.boundToThisAgent(f) {
		return
	}
	id, err := task.ParseTaskID(f.Message.TaskID)
	if err != nil {
		d.logger.Warn("dispatcher: malformed task_id in failed frame", zap.Error(err))
		return
	}
	if err := d.store.Fail(ctx, id, f.Message.Data.Error); err != nil {
		d.logger.Warn("dispatcher: fail", zap.Error(err))
		return
	}
	d.registry.Unbind(f.AgentID)
	if tk, err := d.store.Get(ctx, id); err == nil {
		d.metrics.TaskFailed(string(tk.Priority))
	}
	d.broadcastTask(ctx, id)
	d.broadcastAgents()
	d.sched.Trigger()
}

// handleReconnect implements spec §4.6/§4.5's accepted resolution to the
// reconnect-before-connect ambiguity: the agent's very first frame on a new
// connection may be reconnect, naming the task it was mid-flight on when the
// old connection dropped. The connect frame that follows immediately after
// registers capabilities without disturbing the binding this establishes.
func (d *Dispatcher) handleReconnect(ctx context.Context, f wire.InboundFrame) {
	d.registry.UpsertOnline(f.AgentID, registry.Capabilities{})

	id, err := task.ParseTaskID(f.Message.TaskID)
	if err != nil {
		d.logger.Warn("dispatcher: malformed task_id in reconnect frame", zap.Error(err))
		return
	}

	switch f.Message.Data.Status {
	case "failed":
		if err := d.store.Fail(ctx, id, f.Message.Data.Error); err != nil {
			d.logger.Warn("dispatcher: reconnect fail", zap.Error(err))
		}
		// UpsertOnline above deliberately left CurrentTaskID intact; now that
		// the task is terminally FAILED, the agent must return to idle or it
		// is invisible to PickIdle forever (invariant 6: BUSY iff
		// current_task_id != nil).
		if err := d.registry.Unbind(f.AgentID); err != nil {
			d.logger.Warn("dispatcher: reconnect unbind", zap.Error(err))
		}
		d.broadcastTask(ctx, id)
		d.sched.Trigger()

	case "running":
		if err := d.registry.Bind(f.AgentID, id.String()); err != nil {
			d.logger.Warn("dispatcher: reconnect rebind", zap.Error(err))
		}
		d.broadcastTask(ctx, id)
	}
	d.broadcastAgents()
}

// boundToThisAgent enforces the routing table's precondition that
// progress/complete/failed frames only apply to the task currently bound to
// the sending agent — a stray frame referencing any other task is dropped.
func (d *Dispatcher) boundToThisAgent(f wire.InboundFrame) bool {
	agent, ok := d.registry.Get(f.AgentID)
	if !ok || agent.CurrentTaskID != f.Message.TaskID {
		d.logger.Warn("dispatcher: frame task_id does not match agent binding",
			zap.String("agent_id", f.AgentID), zap.String("task_id", f.Message.TaskID))
		return false
	}
	return true
}

func (d *Dispatcher) broadcastTask(ctx context.Context, id uuid.UUID) {
	tk, err := d.store.Get(ctx, id)
	if err != nil {
		d.logger.Warn("dispatcher: reload task for broadcast", zap.Error(err))
		return
	}
	d.observers.Broadcast(protocol.TaskUpdate(tk))
}

func (d *Dispatcher) broadcastAgents() {
	d.observers.Broadcast(protocol.AgentsUpdate(d.registry.Snapshot()))
}

// HandleAgentWS upgrades an incoming request to an agent WebSocket
// connection and blocks for its lifetime.
func (d *Dispatcher) HandleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wire.AcceptAgent(d.hub, w, r, d.logger)
	if err != nil {
		d.logger.Warn("dispatcher: agent websocket upgrade failed", zap.Error(err))
		return
	}
	conn.Run()
}

// HandleObserverWS upgrades an incoming request to an observer WebSocket
// connection and blocks for its lifetime.
func (d *Dispatcher) HandleObserverWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wire.AcceptObserver(d.observers, w, r, d.logger)
	if err != nil {
		d.logger.Warn("dispatcher: observer websocket upgrade failed", zap.Error(err))
		return
	}
	conn.Run()
}
