// Package wire carries the agent<->orchestrator and observer WebSocket
// connections. It generalizes the teacher's server/internal/websocket
// package — built for a single server-push topic/subscriber model — into
// two hubs: one addressing individual agents by id for bidirectional
// traffic, and one broadcasting read-only state snapshots to observers.
package wire

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

// InboundFrame pairs a parsed agent frame with the id of the connection it
// arrived on.
type InboundFrame struct {
	AgentID string
	Message protocol.AgentMessage
}

// Hub is the orchestrator's registry of live agent connections, addressed
// by agent_id. Unlike the teacher's topic-based Hub, callers address a
// specific agent directly — there is exactly one connection per agent_id at
// any time, and a fresh connection for the same id evicts the old one
// (a reconnect supersedes whatever the agent had open before).
//
// Registration is a direct mutex-protected map mutation rather than routed
// through a single event-loop goroutine: a connection's readPump must be
// guaranteed registered before its first frame reaches the dispatcher (so a
// connect's acknowledge send cannot race ahead of the registration that
// makes it possible), and a channel handoff processed by a separate
// goroutine cannot give that guarantee.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*AgentConn

	inbound chan InboundFrame
	logger  *zap.Logger
}

// NewHub creates an idle Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:   make(map[string]*AgentConn),
		inbound: make(chan InboundFrame, 256),
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled, then closes every live connection's
// send channel so their writePumps drain and exit.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	for _, c := range h.conns {
		close(c.send)
	}
	h.conns = make(map[string]*AgentConn)
	h.mu.Unlock()
}

// register installs c under c.agentID, evicting and closing whatever
// connection previously held that id.
func (h *Hub) register(c *AgentConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.conns[c.agentID]; ok && old != c {
		close(old.send)
	}
	h.conns[c.agentID] = c
}

// unregister removes c, but only if it is still the connection on file for
// its agent id — a connection already superseded by a newer one for the
// same agent must not clobber the newer entry on its way out.
func (h *Hub) unregister(c *AgentConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.agentID]; ok && cur == c {
		delete(h.conns, c.agentID)
		close(c.send)
	}
}

// SendTo queues msg for delivery to the named agent. It returns false if the
// agent has no live connection, or if its send buffer is full — the caller
// (the scheduler) treats both as "could not dispatch" and leaves the task
// for the next trigger.
func (h *Hub) SendTo(agentID string, msg protocol.OrchestratorMessage) bool {
	h.mu.RLock()
	c, ok := h.conns[agentID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.Send(msg)
}

// Connected reports whether agentID currently has a live connection.
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[agentID]
	return ok
}

// Inbound returns the channel of parsed agent frames. The dispatcher is the
// sole reader.
func (h *Hub) Inbound() <-chan InboundFrame {
	return h.inbound
}

// deliver forwards a parsed frame to the inbound channel. Called from an
// AgentConn's readPump goroutine — safe for concurrent use, since channel
// sends need no external synchronization.
func (h *Hub) deliver(f InboundFrame) {
	select {
	case h.inbound <- f:
	default:
		h.logger.Warn("wire: inbound buffer full, dropping frame",
			zap.String("agent_id", f.AgentID), zap.String("type", string(f.Message.Type)))
	}
}
