// Package loop drives a single task through plan, approval and execution by
// repeatedly invoking skills and inferring progress from where the task file
// has been moved.
package loop

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/skill"
	"github.com/msageha/taskvault/internal/vault"
)

const (
	DefaultMaxIterations  = 15
	DefaultApprovalPoll   = 5 * time.Second
	DefaultIterationDelay = time.Second
	DefaultOutputLimit    = 2000
	historyContextSize    = 5
)

// Locator reports which folder currently holds the task.
type Locator interface {
	Locate(taskID string) (vault.Folder, bool)
}

type LocatorFunc func(taskID string) (vault.Folder, bool)

func (f LocatorFunc) Locate(taskID string) (vault.Folder, bool) { return f(taskID) }

type Option func(*Loop)

func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

func WithApprovalPoll(d time.Duration) Option {
	return func(l *Loop) { l.approvalPoll = d }
}

func WithIterationDelay(d time.Duration) Option {
	return func(l *Loop) { l.iterationDelay = d }
}

func WithOutputLimit(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.outputLimit = n
		}
	}
}

// WithLocator replaces the vault as the source of folder locations.
func WithLocator(loc Locator) Option {
	return func(l *Loop) { l.locator = loc }
}

func WithLogger(logger *log.Logger, level logging.Level) Option {
	return func(l *Loop) {
		l.logger = logger
		l.logLevel = level
	}
}

func WithAudit(a *audit.Logger) Option {
	return func(l *Loop) { l.audit = a }
}

func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

type Loop struct {
	vault          *vault.Vault
	store          *FileStore
	invoker        skill.Invoker
	locator        Locator
	rec            *Record
	maxIterations  int
	approvalPoll   time.Duration
	iterationDelay time.Duration
	outputLimit    int
	logger         *log.Logger
	logLevel       logging.Level
	audit          *audit.Logger
	now            func() time.Time
}

// Summary is what Run reports once it stops.
type Summary struct {
	TaskID      string          `json:"task_id"`
	FinalState  model.LoopState `json:"final_state"`
	Iterations  int             `json:"iterations"`
	Transitions int             `json:"transitions"`
	History     []Transition    `json:"history"`
	Terminal    bool            `json:"terminal"`
}

// New loads or starts the record for taskFile. The task id is the file stem.
func New(v *vault.Vault, taskFile string, inv skill.Invoker, opts ...Option) (*Loop, error) {
	l := &Loop{
		vault:          v,
		store:          NewFileStore(v.Root()),
		invoker:        inv,
		locator:        v,
		maxIterations:  DefaultMaxIterations,
		approvalPoll:   DefaultApprovalPoll,
		iterationDelay: DefaultIterationDelay,
		outputLimit:    DefaultOutputLimit,
		now:            time.Now,
	}
	for _, o := range opts {
		o(l)
	}

	taskID := vault.Stem(taskFile)
	rec, recovered, err := l.store.Load(taskID)
	if err != nil {
		return nil, err
	}
	if recovered {
		l.log(logging.LevelWarn, "state_recovered task=%s restored=%t", taskID, rec != nil)
	}
	// A finished record is superseded by a new file with the same name.
	if rec != nil && model.IsLoopTerminal(rec.CurrentState) && fileExists(taskFile) {
		l.log(logging.LevelInfo, "state_superseded task=%s previous=%s file=%s", taskID, rec.CurrentState, taskFile)
		rec = nil
	}
	if rec == nil {
		now := l.now()
		l.rec = &Record{
			TaskID:       taskID,
			TaskFile:     taskFile,
			CurrentState: model.LoopStateCreated,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return l, nil
	}

	l.rec = rec
	if !model.IsLoopTerminal(rec.CurrentState) && rec.TaskFile != taskFile {
		l.log(logging.LevelInfo, "task_file_moved task=%s from=%s to=%s", taskID, rec.TaskFile, taskFile)
		rec.TaskFile = taskFile
		if err := l.persist(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Record returns a copy of the current record.
func (l *Loop) Record() Record {
	rec := *l.rec
	rec.History = append([]Transition(nil), l.rec.History...)
	return rec
}

// Run advances the task until it reaches a terminal state or the iteration
// budget is spent. A cancelled ctx interrupts waits only; an in-flight skill
// call always finishes. Run returns early on cancellation with the record
// persisted, and a later Loop for the same task resumes from it.
func (l *Loop) Run(ctx context.Context) (Summary, error) {
	l.log(logging.LevelInfo, "loop_start task=%s state=%s iteration=%d max=%d",
		l.rec.TaskID, l.rec.CurrentState, l.rec.Iteration, l.maxIterations)

	for l.rec.Iteration < l.maxIterations {
		if model.IsLoopTerminal(l.rec.CurrentState) {
			return l.summary(), nil
		}
		if ctx.Err() != nil {
			return l.summary(), nil
		}

		l.rec.Iteration++
		if err := l.persist(); err != nil {
			return l.summary(), err
		}

		skillName, ok := model.SkillFor(l.rec.CurrentState)
		if !ok {
			if next, found := l.approvalOutcome(); found {
				l.transition(next, "file moved to "+string(l.folderFor(next)))
				if err := l.persist(); err != nil {
					return l.summary(), err
				}
				continue
			}
			l.log(logging.LevelDebug, "awaiting_approval task=%s iteration=%d", l.rec.TaskID, l.rec.Iteration)
			if err := sleepCtx(ctx, l.approvalPoll); err != nil {
				return l.summary(), nil
			}
			continue
		}

		res := l.invoker.Invoke(context.WithoutCancel(ctx), skill.Request{
			Skill:   skillName,
			Context: l.buildContext(),
			TaskID:  l.rec.TaskID,
		})
		l.rec.PriorOutput = truncate(res.Text(), l.outputLimit)
		if res.Err != nil {
			l.log(logging.LevelWarn, "skill_failed task=%s skill=%s err=%v", l.rec.TaskID, skillName, res.Err)
		}
		if err := l.persist(); err != nil {
			return l.summary(), err
		}

		next, reason := l.inferNext()
		if next != l.rec.CurrentState {
			l.transition(next, reason)
			if err := l.persist(); err != nil {
				return l.summary(), err
			}
		}
		if model.IsLoopTerminal(l.rec.CurrentState) {
			break
		}

		if err := sleepCtx(ctx, l.iterationDelay); err != nil {
			return l.summary(), nil
		}
	}

	if !model.IsLoopTerminal(l.rec.CurrentState) {
		l.transition(model.LoopStateFailed, fmt.Sprintf("Max iterations (%d) reached", l.maxIterations))
		l.moveToErrors()
		if err := l.persist(); err != nil {
			return l.summary(), err
		}
	}

	l.log(logging.LevelInfo, "loop_end task=%s state=%s iterations=%d", l.rec.TaskID, l.rec.CurrentState, l.rec.Iteration)
	return l.summary(), nil
}

// approvalOutcome maps the file location to a state while no skill applies.
func (l *Loop) approvalOutcome() (model.LoopState, bool) {
	folder, ok := l.locate()
	if !ok {
		return "", false
	}
	switch folder {
	case vault.FolderApproved:
		return model.LoopStateApproved, true
	case vault.FolderDone:
		return model.LoopStateCompleted, true
	case vault.FolderErrors:
		return model.LoopStateFailed, true
	}
	return "", false
}

// inferNext derives the next state after a skill call. Without a telling
// folder the loop assumes the skill made progress.
func (l *Loop) inferNext() (model.LoopState, string) {
	if folder, ok := l.locate(); ok {
		switch folder {
		case vault.FolderDone:
			return model.LoopStateCompleted, "file moved to Done"
		case vault.FolderPendingApproval:
			return model.LoopStateAwaitingApproval, "file moved to Pending_Approval"
		case vault.FolderApproved:
			return model.LoopStateApproved, "file in Approved"
		case vault.FolderErrors:
			return model.LoopStateFailed, "file moved to Errors"
		}
	}
	switch l.rec.CurrentState {
	case model.LoopStateCreated:
		return model.LoopStatePlanned, "plan created"
	case model.LoopStatePlanned, model.LoopStateApproved:
		return model.LoopStateExecuting, "execution started"
	}
	return l.rec.CurrentState, ""
}

// locate finds the task by id once it has left its working path. While the
// file is still there, same-named files elsewhere belong to earlier tasks.
func (l *Loop) locate() (vault.Folder, bool) {
	if fileExists(l.rec.TaskFile) {
		return "", false
	}
	return l.locator.Locate(l.rec.TaskID)
}

func (l *Loop) folderFor(s model.LoopState) vault.Folder {
	switch s {
	case model.LoopStateApproved:
		return vault.FolderApproved
	case model.LoopStateCompleted:
		return vault.FolderDone
	default:
		return vault.FolderErrors
	}
}

func (l *Loop) transition(to model.LoopState, reason string) {
	from := l.rec.CurrentState
	if from == to {
		return
	}
	if err := model.ValidateLoopTransition(from, to); err != nil {
		l.log(logging.LevelWarn, "transition_rejected task=%s err=%v", l.rec.TaskID, err)
		return
	}
	l.rec.History = append(l.rec.History, Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Iteration: l.rec.Iteration,
		Timestamp: l.now(),
	})
	l.rec.CurrentState = to
	l.log(logging.LevelInfo, "transition task=%s from=%s to=%s iteration=%d reason=%q",
		l.rec.TaskID, from, to, l.rec.Iteration, reason)
	_ = l.audit.Log("loop_transition", "loop", l.rec.TaskID, string(to), map[string]any{
		"from":      string(from),
		"reason":    reason,
		"iteration": l.rec.Iteration,
	})
}

func (l *Loop) moveToErrors() {
	if !fileExists(l.rec.TaskFile) {
		return
	}
	dest, err := l.vault.Move(l.rec.TaskFile, vault.FolderErrors)
	if err != nil {
		l.log(logging.LevelError, "move_to_errors task=%s err=%v", l.rec.TaskID, err)
		return
	}
	l.rec.TaskFile = dest
}

func (l *Loop) buildContext() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task file: %s\n", l.rec.TaskFile)
	fmt.Fprintf(&sb, "Iteration: %d/%d\n", l.rec.Iteration, l.maxIterations)
	fmt.Fprintf(&sb, "Current state: %s\n", l.rec.CurrentState)
	if l.rec.PriorOutput != "" {
		fmt.Fprintf(&sb, "\nPrior output:\n%s\n", l.rec.PriorOutput)
	}
	if data, err := os.ReadFile(l.rec.TaskFile); err == nil {
		fmt.Fprintf(&sb, "\nCurrent file contents:\n%s\n", data)
	}
	if recent := l.rec.RecentHistory(historyContextSize); len(recent) > 0 {
		sb.WriteString("\nRecent transitions:\n")
		for _, t := range recent {
			fmt.Fprintf(&sb, "- %s -> %s (%s)\n", t.From, t.To, t.Reason)
		}
	}
	return sb.String()
}

func (l *Loop) persist() error {
	l.rec.UpdatedAt = l.now()
	if err := l.store.Save(l.rec); err != nil {
		l.log(logging.LevelError, "persist task=%s err=%v", l.rec.TaskID, err)
		return fmt.Errorf("persist loop state %s: %w", l.rec.TaskID, err)
	}
	return nil
}

func (l *Loop) summary() Summary {
	return Summary{
		TaskID:      l.rec.TaskID,
		FinalState:  l.rec.CurrentState,
		Iterations:  l.rec.Iteration,
		Transitions: len(l.rec.History),
		History:     append([]Transition(nil), l.rec.History...),
		Terminal:    model.IsLoopTerminal(l.rec.CurrentState),
	}
}

func (l *Loop) log(level logging.Level, format string, args ...any) {
	logging.Logf(l.logger, l.logLevel, level, "loop", format, args...)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
