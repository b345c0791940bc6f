package agent

import (
	"sort"
	"strings"
	"sync"

	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/vault"
)

// Registry tracks the agents of one process.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds a, replacing any agent with the same id.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID()] = a
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// All returns every agent ordered by id.
func (r *Registry) All() []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) ByType(typ string) []Agent {
	var out []Agent
	for _, a := range r.All() {
		if a.Type() == typ {
			out = append(out, a)
		}
	}
	return out
}

// Available returns the idle agents ordered by id.
func (r *Registry) Available() []Agent {
	var out []Agent
	for _, a := range r.All() {
		if a.Status() == model.AgentStatusIdle {
			out = append(out, a)
		}
	}
	return out
}

// ForPrefix returns agents with a capability listing prefix.
func (r *Registry) ForPrefix(prefix string) []Agent {
	var out []Agent
	for _, a := range r.All() {
		for _, c := range a.Capabilities() {
			if containsString(c.Prefixes, prefix) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// FindBest returns the idle agent with the highest positive score for task.
// Equal scores go to the lexicographically smallest id.
func (r *Registry) FindBest(task *vault.Task) (Agent, int, bool) {
	var (
		best      Agent
		bestScore int
	)
	for _, a := range r.Available() {
		score := a.Score(task)
		if score <= 0 {
			continue
		}
		// Available is id-ordered, so strict > keeps the smallest id on ties.
		if best == nil || score > bestScore {
			best, bestScore = a, score
		}
	}
	return best, bestScore, best != nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// RegistryStats aggregates the swarm.
type RegistryStats struct {
	TotalAgents    int     `json:"total_agents"`
	Idle           int     `json:"idle"`
	Busy           int     `json:"busy"`
	Offline        int     `json:"offline"`
	TasksCompleted int     `json:"total_tasks_completed"`
	TasksFailed    int     `json:"total_tasks_failed"`
	Agents         []Stats `json:"agents"`
}

func (r *Registry) Stats() RegistryStats {
	var st RegistryStats
	for _, a := range r.All() {
		s := a.Stats()
		st.TotalAgents++
		switch s.Status {
		case model.AgentStatusIdle:
			st.Idle++
		case model.AgentStatusBusy:
			st.Busy++
		case model.AgentStatusOffline:
			st.Offline++
		}
		st.TasksCompleted += s.TasksCompleted
		st.TasksFailed += s.TasksFailed
		st.Agents = append(st.Agents, s)
	}
	return st
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
