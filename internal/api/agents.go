package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
)

// AgentHandler groups the agent-related HTTP handlers. The registry is the
// only source of truth here — agents are never read from the task store.
type AgentHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(reg *registry.Registry, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{registry: reg, logger: logger.Named("agent_handler")}
}

type listAgentsResponse struct {
	Items []protocol.AgentDict `json:"items"`
}

// List handles GET /api/v1/agents, returning every agent the registry has
// ever seen, sorted by id for a stable response ordering.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	snapshot := h.registry.Snapshot()
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]protocol.AgentDict, 0, len(ids))
	for _, id := range ids {
		items = append(items, protocol.ToAgentDict(snapshot[id]))
	}
	Ok(w, listAgentsResponse{Items: items})
}

// GetByID handles GET /api/v1/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, ok := h.registry.Get(id)
	if !ok {
		ErrNotFound(w)
		return
	}
	Ok(w, protocol.ToAgentDict(agent))
}
