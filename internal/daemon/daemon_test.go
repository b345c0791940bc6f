package daemon

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/uds"
	"github.com/msageha/taskvault/internal/vault"
)

// shortRoot keeps the socket path under the sun_path limit.
func shortRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "tv-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestNewDaemon(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(nil)
	cfg.Logging.Level = "debug"

	v := vault.New(t.TempDir())
	d, err := newDaemon(v, cfg, &fakeInvoker{}, &buf, nil)
	require.NoError(t, err)
	defer d.audit.Close()

	assert.Equal(t, logging.LevelDebug, d.logLevel)
	for _, f := range vault.Folders {
		assert.DirExists(t, v.Dir(f))
	}
	assert.FileExists(t, filepath.Join(v.Dir(vault.FolderLogs), audit.LogFileName))
	assert.Equal(t, 4, d.router.Registry().Len())
}

func TestDaemonShutdownIdempotent(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(nil)
	cfg.Daemon.ShutdownTimeoutSec = 1

	d, err := newDaemon(vault.New(t.TempDir()), cfg, &fakeInvoker{}, &buf, nil)
	require.NoError(t, err)

	d.Shutdown()
	d.Shutdown()
	assert.False(t, d.dispatcher.Running())
}

func TestDaemonLog(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(nil)
	cfg.Logging.Level = "warn"

	d, err := newDaemon(vault.New(t.TempDir()), cfg, &fakeInvoker{}, &buf, nil)
	require.NoError(t, err)
	defer d.audit.Close()
	buf.Reset()

	d.log(logging.LevelInfo, "should not appear")
	assert.Zero(t, buf.Len())

	d.log(logging.LevelWarn, "warning message")
	assert.Contains(t, buf.String(), "WARN daemon: warning message")
}

func TestDaemonNew_CreatesLogFile(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, testConfig(nil), &fakeInvoker{})
	require.NoError(t, err)
	d.audit.Close()
	d.logFile.Close()

	assert.FileExists(t, filepath.Join(root, vault.StateDir, LogFileName))
}

func TestDaemon_StartServeShutdown(t *testing.T) {
	root := shortRoot(t)
	cfg := testConfig(nil)
	cfg.Daemon.ShutdownTimeoutSec = 5

	var buf bytes.Buffer
	v := vault.New(root)
	d, err := newDaemon(v, cfg, &fakeInvoker{}, &buf, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start())

	sock := v.StatePath(uds.SocketName(cfg.Agent.ID))
	client := uds.NewClient(sock)
	client.SetTimeout(5 * time.Second)
	ctx := context.Background()

	var pong map[string]any
	require.NoError(t, client.Call(ctx, "ping", nil, &pong))
	assert.Equal(t, "ok", pong["status"])
	assert.Equal(t, cfg.Agent.ID, pong["agent_id"])

	putTask(t, v, vault.FolderNeedsAction, "EMAIL_live.md", "hello\n")
	assert.Eventually(t, func() bool {
		var res map[string]int
		_ = client.Call(ctx, "scan", nil, &res)
		return inFolder(t, v, vault.FolderDone, "EMAIL_live.md")
	}, 5*time.Second, 50*time.Millisecond)

	var st Stats
	require.NoError(t, client.Call(ctx, "stats", nil, &st))
	assert.Equal(t, cfg.Agent.ID, st.AgentID)
	assert.Equal(t, 1, st.Dispatcher.Completed)
	assert.Equal(t, 4, st.Router.Registry.TotalAgents)

	hb, err := ReadHeartbeat(v, cfg.Agent.ID)
	require.NoError(t, err)
	assert.Equal(t, HeartbeatRunning, hb.Status)

	second, err := newDaemon(v, cfg, &fakeInvoker{}, &buf, nil)
	require.NoError(t, err)
	assert.Error(t, second.Start(), "second daemon for the same agent must not start")
	second.audit.Close()

	var ack map[string]string
	require.NoError(t, client.Call(ctx, "shutdown", nil, &ack))
	assert.Equal(t, "shutdown_accepted", ack["status"])
	d.Shutdown()

	assert.NoFileExists(t, sock)
	hb, err = ReadHeartbeat(v, cfg.Agent.ID)
	require.NoError(t, err)
	assert.Equal(t, HeartbeatStopped, hb.Status)
}

func TestRunOnce(t *testing.T) {
	root := t.TempDir()
	v := vault.New(root)
	require.NoError(t, v.EnsureLayout())
	putTask(t, v, vault.FolderNeedsAction, "EMAIL_a.md", "x\n")
	putTask(t, v, vault.FolderApproved, "APPROVE_EMAIL_b.md", "---\ntask_type: email\n---\nx\n")

	var buf bytes.Buffer
	n, err := RunOnce(context.Background(), root, testConfig(nil), &fakeInvoker{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, inFolder(t, v, vault.FolderDone, "EMAIL_a.md"))
	assert.True(t, inFolder(t, v, vault.FolderDone, "APPROVE_EMAIL_b.md"))
}

func TestHeartbeats(t *testing.T) {
	v := vault.New(t.TempDir())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, WriteHeartbeat(v, Heartbeat{AgentID: "a", Timestamp: now, Status: HeartbeatRunning}))
	require.NoError(t, WriteHeartbeat(v, Heartbeat{AgentID: "b", Timestamp: now.Add(-time.Minute), Status: HeartbeatStopped}))

	hb, err := ReadHeartbeat(v, "a")
	require.NoError(t, err)
	assert.True(t, hb.Timestamp.Equal(now))
	assert.Equal(t, 30*time.Second, hb.Age(now.Add(30*time.Second)))

	all, err := ListHeartbeats(v)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, HeartbeatStopped, all["b"].Status)

	_, err = ReadHeartbeat(v, "missing")
	assert.True(t, os.IsNotExist(err))
}
