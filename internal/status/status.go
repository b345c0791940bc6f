// Package status assembles a read-only snapshot of a vault: folder depths,
// claims, heartbeats, the daemon lock and, when reachable, live daemon stats.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/claim"
	"github.com/msageha/taskvault/internal/daemon"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/uds"
	"github.com/msageha/taskvault/internal/vault"
)

// staleFactor scan intervals without a heartbeat mark an agent as stale.
const staleFactor = 3

type Report struct {
	Root       string              `json:"root"`
	AgentID    string              `json:"agent_id"`
	Role       string              `json:"role"`
	Daemon     DaemonStatus        `json:"daemon"`
	Folders    map[string]int      `json:"folders"`
	Claims     map[string][]string `json:"claims"`
	Heartbeats []AgentHeartbeat    `json:"heartbeats,omitempty"`
	Audit      AuditStatus         `json:"audit"`
}

type DaemonStatus struct {
	Running bool          `json:"running"`
	PID     int           `json:"pid,omitempty"`
	Stats   *daemon.Stats `json:"stats,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type AgentHeartbeat struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	AgeSec  int    `json:"age_sec"`
	Stale   bool   `json:"stale"`
}

type AuditStatus struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
	Valid   int    `json:"valid"`
}

// Collect builds a Report for root. Only the daemon query honours ctx.
func Collect(ctx context.Context, root string, cfg model.Config, now time.Time) Report {
	cfg.ApplyDefaults()
	v := vault.New(root)

	r := Report{
		Root:    root,
		AgentID: cfg.Agent.ID,
		Role:    cfg.Agent.Role,
		Folders: make(map[string]int),
		Claims:  make(map[string][]string),
	}

	for f, n := range v.CountByFolder() {
		r.Folders[string(f)] = n
	}

	if all, err := claim.ListAll(v); err == nil {
		for agentID, paths := range all {
			names := make([]string, 0, len(paths))
			for _, p := range paths {
				names = append(names, filepath.Base(p))
			}
			r.Claims[agentID] = names
		}
	}

	staleAfter := time.Duration(staleFactor*cfg.Watcher.ScanIntervalSec) * time.Second
	if hbs, err := daemon.ListHeartbeats(v); err == nil {
		for id, hb := range hbs {
			age := hb.Age(now)
			r.Heartbeats = append(r.Heartbeats, AgentHeartbeat{
				AgentID: id,
				Status:  hb.Status,
				AgeSec:  int(age.Seconds()),
				Stale:   hb.Status == daemon.HeartbeatRunning && age > staleAfter,
			})
		}
		sort.Slice(r.Heartbeats, func(i, j int) bool {
			return r.Heartbeats[i].AgentID < r.Heartbeats[j].AgentID
		})
	}

	r.Daemon = checkDaemon(ctx, v, cfg.Agent.ID)

	logPath := filepath.Join(v.Dir(vault.FolderLogs), audit.LogFileName)
	r.Audit.Path = logPath
	if total, valid, err := audit.Verify(logPath); err == nil {
		r.Audit.Entries, r.Audit.Valid = total, valid
	}
	return r
}

func checkDaemon(ctx context.Context, v *vault.Vault, agentID string) DaemonStatus {
	var ds DaemonStatus
	pid, held := lock.Held(v.StatePath(agentID + ".lock"))
	if !held {
		return ds
	}
	ds.Running = true
	ds.PID = pid

	client := uds.NewClient(v.StatePath(uds.SocketName(agentID)))
	client.SetTimeout(2 * time.Second)
	var st daemon.Stats
	if err := client.Call(ctx, "stats", nil, &st); err != nil {
		ds.Error = err.Error()
		return ds
	}
	ds.Stats = &st
	return ds
}

// Run collects the report and writes it to w, as indented JSON when jsonOutput is set.
func Run(ctx context.Context, root string, cfg model.Config, jsonOutput bool, w io.Writer) error {
	r := Collect(ctx, root, cfg, time.Now())
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	Render(w, r)
	return nil
}

// Render prints the human-readable form of r.
func Render(w io.Writer, r Report) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	bold.Fprintf(w, "Vault: %s\n", r.Root)
	fmt.Fprintf(w, "Agent: %s (%s)\n", r.AgentID, r.Role)

	if r.Daemon.Running {
		green.Fprintf(w, "Daemon: running")
		fmt.Fprintf(w, " pid=%d\n", r.Daemon.PID)
		if st := r.Daemon.Stats; st != nil {
			fmt.Fprintf(w, "  mode=%s uptime=%ds polls=%d dispatched=%d completed=%d approvals=%d failed=%d\n",
				st.Mode, st.UptimeSec, st.Dispatcher.Polls, st.Dispatcher.Dispatched,
				st.Dispatcher.Completed, st.Dispatcher.Approvals, st.Dispatcher.Failed)
			fmt.Fprintf(w, "  bus queued=%d published=%d consumed=%d\n",
				st.Router.Bus.TotalQueued, st.Router.Bus.TotalPublished, st.Router.Bus.TotalConsumed)
		} else if r.Daemon.Error != "" {
			yellow.Fprintf(w, "  control socket unreachable: %s\n", r.Daemon.Error)
		}
	} else {
		red.Fprintln(w, "Daemon: stopped")
	}

	bold.Fprintln(w, "\nFolders:")
	for _, f := range vault.Folders {
		n, ok := r.Folders[string(f)]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %-18s %5d\n", f, n)
	}

	bold.Fprintln(w, "\nClaims:")
	if len(r.Claims) == 0 {
		fmt.Fprintln(w, "  none")
	}
	agents := make([]string, 0, len(r.Claims))
	for id := range r.Claims {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	for _, id := range agents {
		fmt.Fprintf(w, "  %-18s %5d\n", id, len(r.Claims[id]))
		for _, name := range r.Claims[id] {
			fmt.Fprintf(w, "    - %s\n", name)
		}
	}

	if len(r.Heartbeats) > 0 {
		bold.Fprintln(w, "\nHeartbeats:")
		for _, hb := range r.Heartbeats {
			c := green
			switch {
			case hb.Stale:
				c = yellow
			case hb.Status != daemon.HeartbeatRunning:
				c = red
			}
			fmt.Fprintf(w, "  %-18s ", hb.AgentID)
			c.Fprintf(w, "%-8s", hb.Status)
			fmt.Fprintf(w, " %ds ago", hb.AgeSec)
			if hb.Stale {
				yellow.Fprint(w, " (stale)")
			}
			fmt.Fprintln(w)
		}
	}

	if r.Audit.Entries > 0 {
		line := fmt.Sprintf("\nAudit: %d entries, %d valid\n", r.Audit.Entries, r.Audit.Valid)
		if r.Audit.Valid < r.Audit.Entries {
			red.Fprint(w, line)
		} else {
			fmt.Fprint(w, line)
		}
	}
}
