// Package agent holds the specialist agents and the registry that picks one for a task.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/vault"
)

// Capability declares the filename prefixes an agent handles and how strongly.
type Capability struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Prefixes    []string `json:"prefixes"`
	Priority    int      `json:"priority"`
}

// Agent is anything the registry can score and hand a task to.
type Agent interface {
	ID() string
	Type() string
	Capabilities() []Capability
	Status() model.AgentStatus
	SetStatus(model.AgentStatus)
	Score(task *vault.Task) int
	Process(ctx context.Context, task *vault.Task) Result
	Stats() Stats
}

// Result is the outcome of Process.
type Result struct {
	AgentID   string        `json:"agent_id"`
	AgentType string        `json:"agent_type"`
	Task      string        `json:"task"`
	Output    string        `json:"output,omitempty"`
	Err       string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (r Result) Success() bool { return r.Err == "" }

type Stats struct {
	AgentID        string            `json:"agent_id"`
	Type           string            `json:"type"`
	Status         model.AgentStatus `json:"status"`
	TasksCompleted int               `json:"tasks_completed"`
	TasksFailed    int               `json:"tasks_failed"`
	LastActive     time.Time         `json:"last_active,omitempty"`
	Capabilities   int               `json:"capabilities"`
}

// Executor does the domain work for a specialist.
type Executor func(ctx context.Context, task *vault.Task) (string, error)

// Score sums cap.Priority+10 for every (capability, prefix) pair whose
// prefix starts filename.
func Score(caps []Capability, filename string) int {
	score := 0
	for _, c := range caps {
		for _, p := range c.Prefixes {
			if strings.HasPrefix(filename, p) {
				score += c.Priority + 10
			}
		}
	}
	return score
}

// Specialist is the stock Agent implementation.
type Specialist struct {
	id       string
	typ      string
	caps     []Capability
	executor Executor
	now      func() time.Time

	mu         sync.Mutex
	status     model.AgentStatus
	completed  int
	failed     int
	lastActive time.Time
}

func NewSpecialist(id, typ string, caps []Capability, exec Executor) *Specialist {
	return &Specialist{
		id:       id,
		typ:      typ,
		caps:     caps,
		executor: exec,
		now:      time.Now,
		status:   model.AgentStatusIdle,
	}
}

func (s *Specialist) ID() string   { return s.id }
func (s *Specialist) Type() string { return s.typ }

func (s *Specialist) Capabilities() []Capability {
	out := make([]Capability, len(s.caps))
	copy(out, s.caps)
	return out
}

func (s *Specialist) Status() model.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Specialist) SetStatus(st model.AgentStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Handles reports whether any capability lists prefix.
func (s *Specialist) Handles(prefix string) bool {
	for _, c := range s.caps {
		for _, p := range c.Prefixes {
			if p == prefix {
				return true
			}
		}
	}
	return false
}

func (s *Specialist) Score(task *vault.Task) int {
	return Score(s.caps, task.Name)
}

// Process runs the executor with the agent marked busy. It always returns
// the agent to idle; executor errors and panics become a failed Result.
func (s *Specialist) Process(ctx context.Context, task *vault.Task) (res Result) {
	start := s.now()
	s.mu.Lock()
	s.status = model.AgentStatusBusy
	s.lastActive = start
	s.mu.Unlock()

	res = Result{AgentID: s.id, AgentType: s.typ, Task: task.Name}

	defer func() {
		if r := recover(); r != nil {
			res.Output = ""
			res.Err = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = s.now().Sub(start)

		s.mu.Lock()
		if res.Success() {
			s.completed++
		} else {
			s.failed++
		}
		s.status = model.AgentStatusIdle
		s.mu.Unlock()
	}()

	if s.executor == nil {
		res.Output = fmt.Sprintf("[%s] Processed %s", s.typ, task.Name)
		return res
	}
	out, err := s.executor(ctx, task)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	res.Output = out
	return res
}

func (s *Specialist) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		AgentID:        s.id,
		Type:           s.typ,
		Status:         s.status,
		TasksCompleted: s.completed,
		TasksFailed:    s.failed,
		LastActive:     s.lastActive,
		Capabilities:   len(s.caps),
	}
}
