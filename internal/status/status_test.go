package status

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/daemon"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/vault"
)

func newVault(t *testing.T) (string, *vault.Vault) {
	t.Helper()
	root := t.TempDir()
	v := vault.New(root)
	require.NoError(t, v.EnsureLayout())
	return root, v
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("# task\n"), 0644))
}

func TestCollect_CountsFoldersAndClaims(t *testing.T) {
	root, v := newVault(t)
	writeFile(t, filepath.Join(v.Dir(vault.FolderNeedsAction), "EMAIL_a.md"))
	writeFile(t, filepath.Join(v.Dir(vault.FolderNeedsAction), "EMAIL_b.md"))
	writeFile(t, filepath.Join(v.Dir(vault.FolderDone), "ODOO_c.md"))
	writeFile(t, filepath.Join(v.AgentDir("agent-b"), "FILE_d.md"))

	r := Collect(context.Background(), root, model.DefaultConfig(), time.Now())

	assert.Equal(t, 2, r.Folders[string(vault.FolderNeedsAction)])
	assert.Equal(t, 1, r.Folders[string(vault.FolderDone)])
	assert.NotContains(t, r.Folders, string(vault.FolderInProgress))
	assert.Equal(t, []string{"FILE_d.md"}, r.Claims["agent-b"])
	assert.False(t, r.Daemon.Running)
	assert.Equal(t, "local-01", r.AgentID)
}

func TestCollect_MarksStaleHeartbeats(t *testing.T) {
	root, v := newVault(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, daemon.WriteHeartbeat(v, daemon.Heartbeat{
		AgentID: "fresh", Timestamp: now.Add(-5 * time.Second), Status: daemon.HeartbeatRunning,
	}))
	require.NoError(t, daemon.WriteHeartbeat(v, daemon.Heartbeat{
		AgentID: "old", Timestamp: now.Add(-10 * time.Minute), Status: daemon.HeartbeatRunning,
	}))
	require.NoError(t, daemon.WriteHeartbeat(v, daemon.Heartbeat{
		AgentID: "quit", Timestamp: now.Add(-10 * time.Minute), Status: daemon.HeartbeatStopped,
	}))

	r := Collect(context.Background(), root, model.DefaultConfig(), now)

	require.Len(t, r.Heartbeats, 3)
	assert.Equal(t, "fresh", r.Heartbeats[0].AgentID)
	assert.False(t, r.Heartbeats[0].Stale)
	assert.Equal(t, 5, r.Heartbeats[0].AgeSec)
	assert.Equal(t, "old", r.Heartbeats[1].AgentID)
	assert.True(t, r.Heartbeats[1].Stale)
	assert.Equal(t, "quit", r.Heartbeats[2].AgentID)
	assert.False(t, r.Heartbeats[2].Stale, "stopped agents are never stale")
}

func TestCollect_AuditCounts(t *testing.T) {
	root, v := newVault(t)
	l, err := audit.New(filepath.Join(v.Dir(vault.FolderLogs), audit.LogFileName), "local-01", 0)
	require.NoError(t, err)
	require.NoError(t, l.Log("claim", "claim_manager", "EMAIL_a.md", "success", nil))
	require.NoError(t, l.Log("unclaim", "claim_manager", "EMAIL_a.md", "success", nil))
	require.NoError(t, l.Close())

	r := Collect(context.Background(), root, model.DefaultConfig(), time.Now())
	assert.Equal(t, 2, r.Audit.Entries)
	assert.Equal(t, 2, r.Audit.Valid)
}

func TestRun_JSON(t *testing.T) {
	root, v := newVault(t)
	writeFile(t, filepath.Join(v.Dir(vault.FolderApproved), "APPROVE_x.md"))

	var buf bytes.Buffer
	require.NoError(t, Run(context.Background(), root, model.DefaultConfig(), true, &buf))

	var got Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, root, got.Root)
	assert.Equal(t, 1, got.Folders[string(vault.FolderApproved)])
	assert.False(t, got.Daemon.Running)
}

func TestRender_Text(t *testing.T) {
	r := Report{
		Root:    "/vault",
		AgentID: "local-01",
		Role:    "local",
		Folders: map[string]int{string(vault.FolderNeedsAction): 3, string(vault.FolderDone): 7},
		Claims:  map[string][]string{"cloud-01": {"EMAIL_z.md"}},
		Heartbeats: []AgentHeartbeat{
			{AgentID: "cloud-01", Status: daemon.HeartbeatRunning, AgeSec: 900, Stale: true},
		},
		Audit: AuditStatus{Entries: 4, Valid: 3},
	}

	var buf bytes.Buffer
	Render(&buf, r)
	out := buf.String()

	assert.Contains(t, out, "Vault: /vault")
	assert.Contains(t, out, "Daemon: stopped")
	assert.Contains(t, out, "Needs_Action")
	assert.Contains(t, out, "EMAIL_z.md")
	assert.Contains(t, out, "stale")
	assert.Contains(t, out, "4 entries, 3 valid")
}
