// Package registry is the orchestrator's in-memory directory of agents —
// spec §4.2. Unlike the task store it is never persisted: an orchestrator
// restart loses all live agent bindings, which is an accepted tradeoff
// recorded in SPEC_FULL.md's design notes.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Status mirrors spec §3's Agent.status enum.
type Status string

const (
	StatusOffline Status = "OFFLINE"
	StatusOnline  Status = "ONLINE"
	StatusBusy    Status = "BUSY"
	StatusError   Status = "ERROR"
)

// Capabilities describes what an agent can encode, taken verbatim from the
// connect frame's data.capabilities field.
type Capabilities struct {
	Codecs  []string `json:"codecs"`
	Formats []string `json:"formats"`
}

// Agent is one registry entry. LastHeartbeat is the zero Time while OFFLINE.
type Agent struct {
	ID            string
	Status        Status
	CurrentTaskID string
	LastHeartbeat time.Time
	Capabilities  Capabilities
}

// ErrUnknownAgent is returned by operations on an agent_id the registry has
// never seen (or has since forgotten via MarkOffline eviction policies, none
// of which this registry applies — entries persist until the process exits).
var ErrUnknownAgent = errors.New("registry: unknown agent")

// ErrPrecondition is returned when Bind is called against an agent that is
// not ONLINE and idle. Unbind has no precondition and never returns it.
var ErrPrecondition = errors.New("registry: precondition failed")

// Registry is safe for concurrent use. All mutating methods hold a single
// mutex for their duration, matching the teacher's agentmanager.Manager —
// the registry mutates in lockstep with the task store per spec §5's
// "protected together" requirement, so callers that need atomicity across
// both (the scheduler) hold their own external serialization.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// UpsertOnline registers a new agent or brings an existing one back online,
// per spec §4.2. It does not touch CurrentTaskID — that is the job of Bind
// and Unbind — so a reconnecting agent that is resumed onto its in-flight
// task (§4.5 reconnect handling) keeps its binding across the call. An
// agent that still holds a task comes back BUSY, any other ONLINE.
func (r *Registry) UpsertOnline(id string, caps Capabilities) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		a = &Agent{ID: id}
		r.agents[id] = a
	}
	if a.CurrentTaskID != "" {
		a.Status = StatusBusy
	} else {
		a.Status = StatusOnline
	}
	a.Capabilities = caps
	a.LastHeartbeat = time.Now().UTC()
	return a
}

// MarkError transitions the agent to ERROR without touching CurrentTaskID
// or LastHeartbeat, per spec §4.3's "marks an agent ERROR then OFFLINE"
// heartbeat-timeout sequence. It is the Sweeper's first step on a stale
// agent, immediately followed by MarkOffline — ERROR is a transitional
// state observers see broadcast before the agent and its in-flight task are
// actually torn down.
func (r *Registry) MarkError(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrUnknownAgent
	}
	a.Status = StatusError
	return nil
}

// MarkOffline transitions the agent to OFFLINE, clearing CurrentTaskID and
// LastHeartbeat per spec §4.2. Returns ErrUnknownAgent if id was never
// registered.
func (r *Registry) MarkOffline(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrUnknownAgent
	}
	a.Status = StatusOffline
	a.CurrentTaskID = ""
	a.LastHeartbeat = time.Time{}
	return nil
}

// TouchHeartbeat records the current time as the agent's last heartbeat.
func (r *Registry) TouchHeartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrUnknownAgent
	}
	a.LastHeartbeat = time.Now().UTC()
	return nil
}

// Bind transitions an ONLINE, idle agent to BUSY with the given task,
// enforcing invariant 6 (BUSY iff current_task_id != nil).
func (r *Registry) Bind(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrUnknownAgent
	}
	if a.Status != StatusOnline || a.CurrentTaskID != "" {
		return ErrPrecondition
	}
	a.Status = StatusBusy
	a.CurrentTaskID = taskID
	return nil
}

// Unbind returns a BUSY agent to ONLINE with no current task.
func (r *Registry) Unbind(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrUnknownAgent
	}
	a.Status = StatusOnline
	a.CurrentTaskID = ""
	return nil
}

// PickIdle returns the id of an ONLINE agent with no bound task, or false if
// none exists. The tie-break (smallest id) is deterministic for a given
// registry snapshot, as spec §4.2 requires, but otherwise arbitrary.
func (r *Registry) PickIdle() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []string
	for id, a := range r.agents {
		if a.Status == StatusOnline && a.CurrentTaskID == "" {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[0], true
}

// Get returns a copy of the agent entry, or false if unknown.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// Snapshot returns a copy of every known agent, keyed by id — used to build
// the agents_update observer broadcast and the REST agent-list response.
func (r *Registry) Snapshot() map[string]Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Agent, len(r.agents))
	for id, a := range r.agents {
		out[id] = *a
	}
	return out
}

// StaleSince returns the ids of every agent whose LastHeartbeat is older
// than deadline relative to now, excluding agents already OFFLINE. Used by
// the connection manager's timeout sweep (spec §4.3's 90s rule).
func (r *Registry) StaleSince(now time.Time, deadline time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []string
	for id, a := range r.agents {
		if a.Status == StatusOffline {
			continue
		}
		if a.LastHeartbeat.IsZero() {
			continue
		}
		if now.Sub(a.LastHeartbeat) > deadline {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}
