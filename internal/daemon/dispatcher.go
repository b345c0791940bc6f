package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/taskvault/internal/agent"
	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/bus"
	"github.com/msageha/taskvault/internal/claim"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/loop"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/notify"
	"github.com/msageha/taskvault/internal/skill"
	"github.com/msageha/taskvault/internal/vault"
)

const (
	planPrefix     = "Plan_"
	approvalPrefix = "APPROVE_"
	mailboxDrain   = 50
)

var (
	errLoopInterrupted = errors.New("progress loop interrupted")
	errLoopFailed      = errors.New("progress loop failed")
	errNoResult        = errors.New("agent returned no result")
)

// approvalMetaKeys are copied from the original task into its approval request.
var approvalMetaKeys = []string{"from", "subject", "subtype", "platform"}

// Dispatcher moves tasks from Needs_Action through claiming, processing and filing.
type Dispatcher struct {
	cfg        model.Config
	vault      *vault.Vault
	claims     *claim.Manager
	router     *bus.Router
	invoker    skill.Invoker
	pipeline   skill.Invoker
	audit      *audit.Logger
	notifier   notify.Notifier
	processing *lock.MutexMap
	loopOpts   []loop.Option
	logger     *log.Logger
	logLevel   logging.Level
	now        func() time.Time

	running atomic.Bool

	statsMu sync.Mutex
	stats   DispatchStats
}

// DispatchStats counts outcomes since the dispatcher started.
type DispatchStats struct {
	Polls      int `json:"polls"`
	Dispatched int `json:"dispatched"`
	Completed  int `json:"completed"`
	Approvals  int `json:"approvals_requested"`
	Executed   int `json:"approved_executed"`
	Delegated  int `json:"delegated"`
	Looped     int `json:"looped"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Swept      int `json:"stale_swept"`
}

// NewDispatcher wires a dispatcher. inv is used as-is by the progress loop
// and wrapped with retries for the direct pipeline.
func NewDispatcher(cfg model.Config, v *vault.Vault, claims *claim.Manager, router *bus.Router, inv skill.Invoker, logger *log.Logger, logLevel logging.Level) *Dispatcher {
	d := &Dispatcher{
		cfg:        cfg,
		vault:      v,
		claims:     claims,
		router:     router,
		invoker:    inv,
		pipeline:   skill.Retrying(inv, cfg.Skill.RetryAttempts, time.Duration(cfg.Skill.RetryBaseMs)*time.Millisecond),
		processing: lock.NewMutexMap(),
		logger:     logger,
		logLevel:   logLevel,
		now:        time.Now,
	}
	d.loopOpts = []loop.Option{
		loop.WithMaxIterations(cfg.Loop.MaxIterations),
		loop.WithApprovalPoll(time.Duration(cfg.Loop.ApprovalPollSec) * time.Second),
		loop.WithIterationDelay(time.Duration(cfg.Loop.IterationDelayMs) * time.Millisecond),
		loop.WithOutputLimit(cfg.Loop.OutputLimit),
		loop.WithLogger(logger, logLevel),
	}
	d.running.Store(true)
	return d
}

// SetAuditLogger wires the audit trail. Must be called before PollOnce.
func (d *Dispatcher) SetAuditLogger(a *audit.Logger) {
	d.audit = a
	d.loopOpts = append(d.loopOpts, loop.WithAudit(a))
}

// SetNotifier raises a notification for every approval request. Must be called before PollOnce.
func (d *Dispatcher) SetNotifier(n notify.Notifier) {
	d.notifier = n
}

// ID is the dispatcher's mailbox on the bus.
func (d *Dispatcher) ID() string { return d.cfg.Agent.ID }

// Stop prevents new tasks from starting; in-flight work finishes.
func (d *Dispatcher) Stop() {
	if d.running.CompareAndSwap(true, false) {
		d.log(logging.LevelInfo, "dispatcher stopping")
	}
}

func (d *Dispatcher) Running() bool { return d.running.Load() }

func (d *Dispatcher) Stats() DispatchStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *Dispatcher) count(f func(*DispatchStats)) {
	d.statsMu.Lock()
	f(&d.stats)
	d.statsMu.Unlock()
}

// PollOnce runs one dispatch pass over Needs_Action and returns how many
// tasks were processed successfully.
func (d *Dispatcher) PollOnce(ctx context.Context) int {
	if !d.running.Load() {
		return 0
	}
	d.count(func(s *DispatchStats) { s.Polls++ })

	if swept := d.claims.CleanupStale(time.Duration(d.cfg.Watcher.StaleClaimSec) * time.Second); len(swept) > 0 {
		d.count(func(s *DispatchStats) { s.Swept += len(swept) })
		d.log(logging.LevelWarn, "stale claims returned count=%d files=%s", len(swept), strings.Join(swept, ","))
	}

	paths, err := d.vault.List(vault.FolderNeedsAction, planPrefix)
	if err != nil {
		d.log(logging.LevelError, "list needs_action error=%v", err)
		return 0
	}

	tasks := d.classify(paths)
	if len(tasks) == 0 {
		return 0
	}
	d.log(logging.LevelDebug, "poll pending=%d", len(tasks))

	processed := 0
	for _, t := range tasks {
		if !d.running.Load() || ctx.Err() != nil {
			break
		}
		if !d.processing.TryLock(t.Name) {
			continue
		}
		if d.dispatch(ctx, t) {
			processed++
		}
		d.processing.Unlock(t.Name)
	}
	return processed
}

// classify reads every candidate, applies role routing and orders the
// result by priority. Equal priorities keep the oldest-first listing order.
func (d *Dispatcher) classify(paths []string) []*vault.Task {
	tasks := make([]*vault.Task, 0, len(paths))
	for _, p := range paths {
		t, err := vault.ReadTask(p)
		if err != nil {
			d.log(logging.LevelDebug, "classify skip error=%v", err)
			continue
		}
		if !d.route(t) {
			d.count(func(s *DispatchStats) { s.Skipped++ })
			continue
		}
		tasks = append(tasks, t)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority.Rank() < tasks[j].Priority.Rank()
	})
	return tasks
}

// route applies the cloud-role routing table. It reports false for tasks
// this agent must leave alone and forces approval for draft-only prefixes.
func (d *Dispatcher) route(t *vault.Task) bool {
	if d.cfg.Agent.Role != model.RoleCloud {
		return true
	}
	switch d.cfg.Dispatch.Routing[t.Prefix()] {
	case model.RouteSkip:
		d.log(logging.LevelDebug, "route skip task=%s role=%s", t.Name, d.cfg.Agent.Role)
		return false
	case model.RouteDraft:
		t.RequiresApproval = true
	}
	return true
}

func (d *Dispatcher) usesLoop(t *vault.Task) bool {
	if !d.cfg.Loop.Enabled {
		return false
	}
	for _, p := range d.cfg.Loop.ComplexPrefixes {
		if strings.HasPrefix(t.Name, p) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) dispatch(ctx context.Context, t *vault.Task) bool {
	claimed, err := d.claims.Claim(t.Path)
	if err != nil {
		d.log(logging.LevelDebug, "claim skipped task=%s error=%v", t.Name, err)
		return false
	}
	t.Path = claimed
	d.count(func(s *DispatchStats) { s.Dispatched++ })

	var (
		mode string
		herr error
	)
	switch {
	case d.usesLoop(t):
		mode = "loop"
		herr = d.runLoop(ctx, t)
	case d.cfg.Dispatch.Mode == model.DispatchModeSwarm && d.router != nil:
		mode = "swarm"
		herr = d.delegate(ctx, t)
	default:
		mode = "direct"
		herr = d.direct(ctx, t)
	}

	if herr != nil {
		d.count(func(s *DispatchStats) { s.Failed++ })
		d.log(logging.LevelError, "dispatch failed task=%s mode=%s error=%v", t.Name, mode, herr)
		_ = d.audit.Log("dispatch", d.ID(), t.Name, "failure", map[string]any{"mode": mode, "error": herr.Error()})
		if _, err := os.Stat(claimed); err == nil {
			if _, uerr := d.claims.Unclaim(claimed); uerr != nil {
				d.log(logging.LevelError, "unclaim after failure task=%s error=%v", t.Name, uerr)
			}
		}
		return false
	}

	d.log(logging.LevelInfo, "dispatched task=%s mode=%s priority=%s", t.Name, mode, t.Priority)
	_ = d.audit.Log("dispatch", d.ID(), t.Name, "success", map[string]any{"mode": mode, "type": t.Type})
	return true
}

// runLoop hands the task to the progress loop. An interrupted loop is an
// error so the task goes back to Needs_Action and resumes on a later poll.
// A failed loop has already filed the task under Errors.
func (d *Dispatcher) runLoop(ctx context.Context, t *vault.Task) error {
	l, err := loop.New(d.vault, t.Path, d.invoker, d.loopOpts...)
	if err != nil {
		return err
	}
	sum, err := l.Run(ctx)
	if err != nil {
		return err
	}
	d.count(func(s *DispatchStats) { s.Looped++ })
	if !sum.Terminal {
		return fmt.Errorf("%w at iteration %d", errLoopInterrupted, sum.Iterations)
	}
	d.log(logging.LevelInfo, "loop finished task=%s state=%s iterations=%d", t.Name, sum.FinalState, sum.Iterations)
	if sum.FinalState == model.LoopStateFailed {
		return fmt.Errorf("%w after %d iteration(s)", errLoopFailed, sum.Iterations)
	}
	return nil
}

// direct runs create_plan and then either files an approval request or
// executes the type's skill and moves the task to Done.
func (d *Dispatcher) direct(ctx context.Context, t *vault.Task) error {
	plan := d.pipeline.Invoke(ctx, skill.Request{
		Skill:   skill.CreatePlan,
		Context: agent.TaskContext("dispatcher", t),
		TaskID:  t.ID,
	})
	if plan.Err != nil {
		return fmt.Errorf("create plan: %w", plan.Err)
	}

	if t.RequiresApproval {
		return d.requestApproval(t, plan.Output, "")
	}

	res := d.pipeline.Invoke(ctx, skill.Request{
		Skill:   skill.ForType(t.Type),
		Context: agent.TaskContext("dispatcher", t),
		TaskID:  t.ID,
	})
	if res.Err != nil {
		return fmt.Errorf("execute %s: %w", skill.ForType(t.Type), res.Err)
	}
	return d.complete(t, res.Output)
}

// delegate scans the task, hands it to the best agent over the bus, lets the
// agent work its mailbox and files the correlated result. Without a capable
// agent it falls back to the direct pipeline.
func (d *Dispatcher) delegate(ctx context.Context, t *vault.Task) error {
	if scan := agent.ScanOutgoing(t.Body); !scan.Passed {
		t.RequiresApproval = true
		d.router.BroadcastAlert(d.ID(), "sensitive content in task", map[string]any{
			"task":   t.Name,
			"issues": scan.Issues,
		})
		_ = d.audit.Log("security_scan", d.ID(), t.Name, "flagged", map[string]any{"issues": scan.Issues})
	}

	target, msg, err := d.router.Delegate(d.ID(), t)
	if errors.Is(err, bus.ErrNoAgent) {
		d.log(logging.LevelInfo, "no agent for task=%s, using direct pipeline", t.Name)
		return d.direct(ctx, t)
	}
	if err != nil {
		return err
	}
	d.count(func(s *DispatchStats) { s.Delegated++ })

	d.work(ctx, target)

	res, ok := d.collect(msg.ID)
	if !ok {
		return fmt.Errorf("%w: %s from %s", errNoResult, t.Name, target.ID())
	}
	if !res.Success() {
		return fmt.Errorf("agent %s: %s", res.AgentID, res.Err)
	}

	if t.RequiresApproval {
		return d.requestApproval(t, "", res.Output)
	}
	return d.complete(t, res.Output)
}

// work lets a in-process agent drain its mailbox, answering every delegation
// with a correlated task_result.
func (d *Dispatcher) work(ctx context.Context, a agent.Agent) {
	for _, m := range d.router.Messages(a.ID(), mailboxDrain) {
		switch m.Kind {
		case bus.KindTaskDelegation:
			task, ok := m.Payload["task"].(*vault.Task)
			if !ok {
				d.log(logging.LevelWarn, "agent=%s dropped malformed delegation msg=%s", a.ID(), m.ID)
				continue
			}
			res := a.Process(ctx, task)
			if err := d.router.SendResult(a.ID(), m.Sender, m.ID, res); err != nil {
				d.log(logging.LevelError, "agent=%s send result error=%v", a.ID(), err)
			}
		default:
			d.log(logging.LevelDebug, "agent=%s observed kind=%s from=%s", a.ID(), m.Kind, m.Sender)
		}
	}
}

// collect drains the dispatcher mailbox looking for the result of correlationID.
func (d *Dispatcher) collect(correlationID string) (agent.Result, bool) {
	var (
		found agent.Result
		ok    bool
	)
	for _, m := range d.router.Messages(d.ID(), mailboxDrain) {
		if m.Kind != bus.KindTaskResult {
			d.log(logging.LevelDebug, "mailbox kind=%s from=%s", m.Kind, m.Sender)
			continue
		}
		res, isResult := m.Payload["result"].(agent.Result)
		if !isResult {
			continue
		}
		if m.CorrelationID == correlationID {
			found, ok = res, true
			continue
		}
		d.log(logging.LevelWarn, "uncorrelated result from=%s task=%s", m.Sender, res.Task)
	}
	return found, ok
}

// complete appends output to the task and moves it to Done.
func (d *Dispatcher) complete(t *vault.Task, output string) error {
	if output != "" {
		if err := appendSection(t.Path, "Result", output); err != nil {
			d.log(logging.LevelWarn, "append result task=%s error=%v", t.Name, err)
		}
	}
	if _, err := d.vault.Move(t.Path, vault.FolderDone); err != nil {
		return err
	}
	d.count(func(s *DispatchStats) { s.Completed++ })
	return nil
}

// requestApproval writes Pending_Approval/APPROVE_<id>.md carrying the
// original metadata, plan, output and body, then files the original in Done.
func (d *Dispatcher) requestApproval(t *vault.Task, plan, output string) error {
	meta := map[string]any{
		"type":          "approval",
		"original_task": t.Name,
		"task_type":     t.Type,
		"priority":      string(t.Priority),
		"status":        "pending_approval",
	}
	for _, k := range approvalMetaKeys {
		if v, ok := t.Metadata[k]; ok {
			meta[k] = v
		}
	}

	var body strings.Builder
	fmt.Fprintf(&body, "# Approval Required: %s\n\n", t.ID)
	if plan != "" {
		fmt.Fprintf(&body, "## Plan\n\n%s\n\n", strings.TrimSpace(plan))
	}
	if output != "" {
		fmt.Fprintf(&body, "## Agent Output\n\n%s\n\n", strings.TrimSpace(output))
	}
	fmt.Fprintf(&body, "## Original Task\n\n%s\n\n", strings.TrimSpace(t.Body))
	body.WriteString("## Decision\n\nMove this file to Approved/ to execute, or to Rejected/ to discard.\n")

	name := t.ID
	path, err := d.vault.CreateTask(vault.FolderPendingApproval, approvalPrefix, name, meta, body.String())
	if err != nil {
		name = fmt.Sprintf("%s_%s", t.ID, d.now().Format("150405"))
		path, err = d.vault.CreateTask(vault.FolderPendingApproval, approvalPrefix, name, meta, body.String())
		if err != nil {
			return fmt.Errorf("write approval request: %w", err)
		}
	}

	if _, err := d.vault.Move(t.Path, vault.FolderDone); err != nil {
		_ = os.Remove(path)
		return err
	}
	d.count(func(s *DispatchStats) { s.Approvals++ })
	d.log(logging.LevelInfo, "approval requested task=%s file=%s", t.Name, path)
	_ = d.audit.Log("approval_request", d.ID(), t.Name, "pending", map[string]any{"approval_file": path})
	if d.notifier != nil {
		if err := d.notifier.Notify("taskvault: approval required", filepath.Base(path)); err != nil {
			d.log(logging.LevelWarn, "notify failed file=%s error=%v", filepath.Base(path), err)
		}
	}
	return nil
}

// ProcessApproved executes approval requests a human moved into Approved.
// Success files them in Done; failure files them in Errors.
func (d *Dispatcher) ProcessApproved(ctx context.Context) int {
	if !d.running.Load() {
		return 0
	}
	paths, err := d.vault.List(vault.FolderApproved)
	if err != nil {
		d.log(logging.LevelError, "list approved error=%v", err)
		return 0
	}

	done := 0
	for _, p := range paths {
		if !d.running.Load() || ctx.Err() != nil {
			break
		}
		t, err := vault.ReadTask(p)
		if err != nil || !strings.HasPrefix(t.Name, approvalPrefix) {
			continue
		}
		if !d.processing.TryLock(t.Name) {
			continue
		}
		if d.executeApproved(ctx, t) {
			done++
		}
		d.processing.Unlock(t.Name)
	}
	return done
}

func (d *Dispatcher) executeApproved(ctx context.Context, t *vault.Task) bool {
	claimed, err := d.claims.Claim(t.Path)
	if err != nil {
		return false
	}
	t.Path = claimed

	taskType, _ := t.Metadata["task_type"].(string)
	res := d.pipeline.Invoke(ctx, skill.Request{
		Skill:   skill.ForType(taskType),
		Context: agent.TaskContext("dispatcher", t),
		TaskID:  t.ID,
	})
	if res.Err != nil {
		d.count(func(s *DispatchStats) { s.Failed++ })
		d.log(logging.LevelError, "approved execution failed task=%s error=%v", t.Name, res.Err)
		_ = appendSection(claimed, "Execution Error", res.Err.Error())
		if _, err := d.vault.Move(claimed, vault.FolderErrors); err != nil {
			d.log(logging.LevelError, "move to errors task=%s error=%v", t.Name, err)
		}
		_ = d.audit.Log("approved_execute", d.ID(), t.Name, "failure", map[string]any{"error": res.Err.Error()})
		return false
	}

	if err := d.complete(t, res.Output); err != nil {
		d.log(logging.LevelError, "file approved task=%s error=%v", t.Name, err)
		return false
	}
	d.count(func(s *DispatchStats) { s.Executed++ })
	_ = d.audit.Log("approved_execute", d.ID(), t.Name, "success", nil)
	return true
}

func appendSection(path, title, text string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "\n\n## %s\n\n%s\n", title, strings.TrimSpace(text))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

func (d *Dispatcher) log(level logging.Level, format string, args ...any) {
	logging.Logf(d.logger, d.logLevel, level, "dispatcher", format, args...)
}
