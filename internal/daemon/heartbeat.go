package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/taskvault/internal/atomicfile"
	"github.com/msageha/taskvault/internal/vault"
)

const (
	HeartbeatRunning = "running"
	HeartbeatStopped = "stopped"
)

type Heartbeat struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// Age is how long ago the heartbeat was written.
func (h Heartbeat) Age(now time.Time) time.Duration {
	return now.Sub(h.Timestamp)
}

func HeartbeatPath(v *vault.Vault, agentID string) string {
	return v.StatePath(fmt.Sprintf("heartbeat_%s.json", agentID))
}

func WriteHeartbeat(v *vault.Vault, hb Heartbeat) error {
	path := HeartbeatPath(v, hb.AgentID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return atomicfile.WriteJSON(path, hb)
}

func ReadHeartbeat(v *vault.Vault, agentID string) (Heartbeat, error) {
	var hb Heartbeat
	data, err := os.ReadFile(HeartbeatPath(v, agentID))
	if err != nil {
		return hb, err
	}
	if err := json.Unmarshal(data, &hb); err != nil {
		return hb, fmt.Errorf("parse heartbeat: %w", err)
	}
	return hb, nil
}

// ListHeartbeats returns every heartbeat in the state dir keyed by agent id.
func ListHeartbeats(v *vault.Vault) (map[string]Heartbeat, error) {
	matches, err := filepath.Glob(v.StatePath("heartbeat_*.json"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]Heartbeat, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var hb Heartbeat
		if json.Unmarshal(data, &hb) != nil || hb.AgentID == "" {
			continue
		}
		out[hb.AgentID] = hb
	}
	return out, nil
}
