package bus

import (
	"errors"
	"fmt"
	"log"

	"github.com/msageha/taskvault/internal/agent"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/vault"
)

var (
	ErrNoAgent   = errors.New("no suitable agent")
	ErrQueueFull = errors.New("recipient queue full")
)

// Router layers agent-aware helpers on top of a Bus.
type Router struct {
	bus      *Bus
	registry *agent.Registry
	logger   *log.Logger
	logLevel logging.Level
}

func NewRouter(b *Bus, registry *agent.Registry, logger *log.Logger, logLevel logging.Level) *Router {
	return &Router{bus: b, registry: registry, logger: logger, logLevel: logLevel}
}

func (r *Router) Bus() *Bus                 { return r.bus }
func (r *Router) Registry() *agent.Registry { return r.registry }

// Register adds a to the registry and opens its mailbox so broadcasts reach
// it before its first delegation.
func (r *Router) Register(a agent.Agent) {
	r.registry.Register(a)
	r.bus.Open(a.ID())
}

func (r *Router) Unregister(id string) {
	r.registry.Unregister(id)
	r.bus.Clear(id)
}

// MessagePriority maps a task priority onto bus delivery order.
func MessagePriority(p model.Priority) Priority {
	switch p {
	case model.PriorityHigh:
		return PriorityHigh
	case model.PriorityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Delegate sends task to the best-scoring idle agent. The returned message
// carries the task, the chosen agent's type and its score.
func (r *Router) Delegate(sender string, task *vault.Task) (agent.Agent, *Message, error) {
	target, score, ok := r.registry.FindBest(task)
	if !ok {
		r.log(logging.LevelWarn, "delegate_no_agent task=%s type=%s", task.Name, task.Type)
		return nil, nil, fmt.Errorf("delegate %s: %w", task.Name, ErrNoAgent)
	}
	return r.delegate(sender, target, score, task)
}

// DelegateTo sends task to the named agent without consulting scores. The
// agent must be registered and idle.
func (r *Router) DelegateTo(sender, agentID string, task *vault.Task) (agent.Agent, *Message, error) {
	target, ok := r.registry.Get(agentID)
	if !ok || target.Status() != model.AgentStatusIdle {
		r.log(logging.LevelWarn, "delegate_no_agent task=%s agent=%s", task.Name, agentID)
		return nil, nil, fmt.Errorf("delegate %s to %s: %w", task.Name, agentID, ErrNoAgent)
	}
	return r.delegate(sender, target, target.Score(task), task)
}

func (r *Router) delegate(sender string, target agent.Agent, score int, task *vault.Task) (agent.Agent, *Message, error) {
	msg := NewMessage(KindTaskDelegation, sender, target.ID(), map[string]any{
		"task":       task,
		"agent_type": target.Type(),
		"score":      score,
	}, MessagePriority(task.Priority))

	if !r.bus.Publish(msg) {
		return target, nil, fmt.Errorf("delegate %s to %s: %w", task.Name, target.ID(), ErrQueueFull)
	}
	r.log(logging.LevelInfo, "delegated task=%s agent=%s score=%d msg=%s", task.Name, target.ID(), score, msg.ID)
	return target, msg, nil
}

// SendResult replies to a delegation, correlating with its message id.
func (r *Router) SendResult(sender, recipient, correlationID string, res agent.Result) error {
	msg := NewMessage(KindTaskResult, sender, recipient, map[string]any{
		"result": res,
	}, PriorityHigh)
	msg.CorrelationID = correlationID
	return r.send(msg)
}

// RequestInfo asks recipient a question and returns the request id to
// correlate the response with.
func (r *Router) RequestInfo(sender, recipient, query string) (string, error) {
	msg := NewMessage(KindInfoRequest, sender, recipient, map[string]any{
		"query": query,
	}, PriorityNormal)
	if err := r.send(msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (r *Router) RespondInfo(sender, recipient, correlationID string, answer map[string]any) error {
	msg := NewMessage(KindInfoResponse, sender, recipient, answer, PriorityNormal)
	msg.CorrelationID = correlationID
	return r.send(msg)
}

// BroadcastAlert pushes an urgent security alert to every mailbox.
func (r *Router) BroadcastAlert(sender, alert string, details map[string]any) {
	payload := map[string]any{"alert": alert}
	for k, v := range details {
		payload[k] = v
	}
	r.bus.Publish(NewMessage(KindSecurityAlert, sender, Broadcast, payload, PriorityUrgent))
	r.log(logging.LevelWarn, "security_alert sender=%s alert=%q", sender, alert)
}

func (r *Router) BroadcastStatus(sender string, status model.AgentStatus, details map[string]any) {
	payload := map[string]any{"status": string(status)}
	for k, v := range details {
		payload[k] = v
	}
	r.bus.Publish(NewMessage(KindStatusUpdate, sender, Broadcast, payload, PriorityLow))
}

// Messages drains up to max messages for agentID.
func (r *Router) Messages(agentID string, max int) []*Message {
	return r.bus.Consume(agentID, max)
}

func (r *Router) PendingCount(agentID string) int {
	return r.bus.Peek(agentID)
}

type RouterStats struct {
	Bus      Stats               `json:"bus"`
	Registry agent.RegistryStats `json:"registry"`
}

func (r *Router) Stats() RouterStats {
	return RouterStats{Bus: r.bus.Stats(), Registry: r.registry.Stats()}
}

func (r *Router) send(msg *Message) error {
	if !r.bus.Publish(msg) {
		return fmt.Errorf("%s to %s: %w", msg.Kind, msg.Recipient, ErrQueueFull)
	}
	return nil
}

func (r *Router) log(level logging.Level, format string, args ...any) {
	logging.Logf(r.logger, r.logLevel, level, "router", format, args...)
}
