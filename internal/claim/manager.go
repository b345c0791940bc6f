// Package claim implements filesystem-rename task ownership. A task belongs to
// the agent whose In_Progress/<agent_id>/ folder holds it; the rename that puts
// it there is the only lock.
package claim

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/vault"
)

var (
	ErrNotFound          = errors.New("task file not found")
	ErrAlreadyClaimed    = errors.New("task already claimed")
	ErrDestinationExists = errors.New("task already waiting in Needs_Action")
)

type Manager struct {
	vault    *vault.Vault
	agentID  string
	agentDir string
	audit    *audit.Logger
	logger   *log.Logger
	logLevel logging.Level
	now      func() time.Time
}

// NewManager creates the agent's claim folder and returns its manager.
func NewManager(v *vault.Vault, agentID string, logger *log.Logger, logLevel logging.Level) (*Manager, error) {
	if agentID == "" {
		return nil, fmt.Errorf("claim manager: empty agent id")
	}
	dir := v.AgentDir(agentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create claim dir: %w", err)
	}
	return &Manager{
		vault:    v,
		agentID:  agentID,
		agentDir: dir,
		logger:   logger,
		logLevel: logLevel,
		now:      time.Now,
	}, nil
}

// SetAuditLogger wires the audit trail. Must be called before concurrent use.
func (m *Manager) SetAuditLogger(a *audit.Logger) {
	m.audit = a
}

func (m *Manager) AgentID() string { return m.agentID }

// Claim moves path into this agent's claim folder and returns the new path.
// Losing a race yields ErrNotFound or ErrAlreadyClaimed.
func (m *Manager) Claim(path string) (string, error) {
	name := filepath.Base(path)
	if owner, ok := m.ClaimOwner(name); ok && owner != m.agentID {
		m.log(logging.LevelDebug, "claim_skip file=%s owner=%s", name, owner)
		return "", fmt.Errorf("%w: %s held by %s", ErrAlreadyClaimed, name, owner)
	}

	dest := filepath.Join(m.agentDir, name)
	if err := renameNoReplace(path, dest); err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			m.log(logging.LevelDebug, "claim_lost file=%s reason=vanished", name)
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		case errors.Is(err, fs.ErrExist):
			m.log(logging.LevelDebug, "claim_lost file=%s reason=exists", name)
			return "", fmt.Errorf("%w: %s", ErrAlreadyClaimed, name)
		default:
			m.log(logging.LevelError, "claim_failed file=%s error=%v", name, err)
			return "", fmt.Errorf("claim %s: %w", name, err)
		}
	}

	// Staleness is measured from the claim, not from the file's creation.
	now := m.now()
	if err := os.Chtimes(dest, now, now); err != nil {
		m.log(logging.LevelWarn, "claim_touch_failed file=%s error=%v", name, err)
	}

	m.log(logging.LevelInfo, "claim file=%s agent=%s", name, m.agentID)
	_ = m.audit.Log("claim", "claim_manager", name, "success", map[string]any{"path": dest})
	return dest, nil
}

// Unclaim moves a claimed file from any agent's folder back to Needs_Action.
func (m *Manager) Unclaim(path string) (string, error) {
	name := filepath.Base(path)
	dest := filepath.Join(m.vault.Dir(vault.FolderNeedsAction), name)

	if err := renameNoReplace(path, dest); err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		case errors.Is(err, fs.ErrExist):
			return "", fmt.Errorf("%w: %s", ErrDestinationExists, name)
		default:
			m.log(logging.LevelError, "unclaim_failed file=%s error=%v", name, err)
			return "", fmt.Errorf("unclaim %s: %w", name, err)
		}
	}

	m.log(logging.LevelInfo, "unclaim file=%s from=%s", name, filepath.Base(filepath.Dir(path)))
	_ = m.audit.Log("unclaim", "claim_manager", name, "success", map[string]any{"from": path})
	return dest, nil
}

// ListClaimed returns the task files in this agent's claim folder.
func (m *Manager) ListClaimed() ([]string, error) {
	return vault.List(m.agentDir)
}

// ListAll returns every agent's claimed files keyed by agent id.
func (m *Manager) ListAll() (map[string][]string, error) {
	return ListAll(m.vault)
}

// ListAll reads the In_Progress tree of v without creating anything.
func ListAll(v *vault.Vault) (map[string][]string, error) {
	root := v.Dir(vault.FolderInProgress)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", vault.FolderInProgress, err)
	}

	out := make(map[string][]string)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		paths, err := vault.List(filepath.Join(root, e.Name()))
		if err != nil {
			continue
		}
		out[e.Name()] = paths
	}
	return out, nil
}

// CleanupStale returns every claimed file older than maxAge, from any agent,
// to Needs_Action. Individual failures are logged and skipped.
func (m *Manager) CleanupStale(maxAge time.Duration) []string {
	all, err := m.ListAll()
	if err != nil {
		m.log(logging.LevelError, "stale_scan_failed error=%v", err)
		return nil
	}

	cutoff := m.now().Add(-maxAge)
	var reclaimed []string
	for owner, paths := range all {
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			dest, err := m.Unclaim(p)
			if err != nil {
				m.log(logging.LevelWarn, "stale_reclaim_failed file=%s owner=%s error=%v", filepath.Base(p), owner, err)
				continue
			}
			m.log(logging.LevelWarn, "stale_reclaim file=%s owner=%s age=%s",
				filepath.Base(p), owner, m.now().Sub(info.ModTime()).Truncate(time.Second))
			_ = m.audit.Log("stale_reclaim", "claim_manager", filepath.Base(p), "success",
				map[string]any{"owner": owner, "max_age_sec": int(maxAge.Seconds())})
			reclaimed = append(reclaimed, dest)
		}
	}
	return reclaimed
}

// IsClaimed reports whether any agent holds name.
func (m *Manager) IsClaimed(name string) bool {
	_, ok := m.ClaimOwner(name)
	return ok
}

// ClaimOwner returns the id of the agent holding name.
func (m *Manager) ClaimOwner(name string) (string, bool) {
	root := m.vault.Dir(vault.FolderInProgress)
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), name)); err == nil {
			return e.Name(), true
		}
	}
	return "", false
}

func (m *Manager) log(level logging.Level, format string, args ...any) {
	logging.Logf(m.logger, m.logLevel, level, "claim", format, args...)
}
