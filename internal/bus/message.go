// Package bus is the in-process priority mailbox system agents use to talk to each other.
package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindTaskDelegation Kind = "task_delegation"
	KindTaskResult     Kind = "task_result"
	KindInfoRequest    Kind = "info_request"
	KindInfoResponse   Kind = "info_response"
	KindStatusUpdate   Kind = "status_update"
	KindSecurityAlert  Kind = "security_alert"
	KindHeartbeat      Kind = "heartbeat"
)

// Priority orders delivery; lower values are consumed first.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// Broadcast is the recipient that addresses every mailbox but the sender's.
const Broadcast = "all"

// DefaultTTL is applied when a message is built with a zero TTL.
const DefaultTTL = time.Hour

type Message struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"`
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      Priority       `json:"priority"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	TTL           time.Duration  `json:"ttl"`
}

// NewMessage stamps a fresh id and timestamp.
func NewMessage(kind Kind, sender, recipient string, payload map[string]any, priority Priority) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Sender:    sender,
		Recipient: recipient,
		Payload:   payload,
		Priority:  priority,
		Timestamp: time.Now(),
		TTL:       DefaultTTL,
	}
}

func (m *Message) IsBroadcast() bool { return m.Recipient == Broadcast }

// Expired reports whether more than TTL has elapsed since Timestamp at now.
func (m *Message) Expired(now time.Time) bool {
	return now.Sub(m.Timestamp) > m.TTL
}
