package loop

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/skill"
	"github.com/msageha/taskvault/internal/vault"
)

func setupVault(t *testing.T) *vault.Vault {
	t.Helper()
	v := vault.New(t.TempDir())
	require.NoError(t, v.EnsureLayout())
	return v
}

func writeTask(t *testing.T, v *vault.Vault, name string) string {
	t.Helper()
	path := filepath.Join(v.Dir(vault.FolderNeedsAction), name)
	require.NoError(t, os.WriteFile(path, []byte("---\npriority: high\n---\nDo the thing\n"), 0644))
	return path
}

type recorder struct {
	mu     sync.Mutex
	skills []string
	ctxs   []string
	fn     func(n int, req skill.Request)
}

func (r *recorder) Invoke(_ context.Context, req skill.Request) skill.Result {
	r.mu.Lock()
	r.skills = append(r.skills, req.Skill)
	r.ctxs = append(r.ctxs, req.Context)
	n := len(r.skills)
	r.mu.Unlock()
	if r.fn != nil {
		r.fn(n, req)
	}
	return skill.Result{Output: "ok " + req.Skill}
}

func fastOpts() []Option {
	return []Option{WithApprovalPoll(0), WithIterationDelay(0)}
}

func TestRun_CompletesWhenFileLandsInDone(t *testing.T) {
	v := setupVault(t)
	path := writeTask(t, v, "ODOO_invoice_42.md")

	rec := &recorder{fn: func(n int, _ skill.Request) {
		_, err := v.Move(path, vault.FolderDone)
		require.NoError(t, err)
	}}
	l, err := New(v, path, rec, fastOpts()...)
	require.NoError(t, err)

	sum, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.LoopStateCompleted, sum.FinalState)
	assert.True(t, sum.Terminal)
	assert.LessOrEqual(t, sum.Iterations, 2)
	assert.Equal(t, []string{"create_plan"}, rec.skills)
	require.Len(t, sum.History, 1)
	assert.Equal(t, model.LoopStateCompleted, sum.History[0].To)
	assert.Equal(t, "file moved to Done", sum.History[0].Reason)

	got := l.Record()
	require.Len(t, got.History, 1)
	assert.Equal(t, model.LoopStateCreated, got.History[0].From)
	assert.Equal(t, model.LoopStateCompleted, got.History[0].To)
	assert.Equal(t, "ok create_plan", got.PriorOutput)
}

func TestRun_StuckTaskFailsAtMaxIterations(t *testing.T) {
	v := setupVault(t)
	path := writeTask(t, v, "ODOO_stuck.md")

	rec := &recorder{}
	l, err := New(v, path, rec, append(fastOpts(), WithMaxIterations(3))...)
	require.NoError(t, err)

	sum, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.LoopStateFailed, sum.FinalState)
	assert.Equal(t, 3, sum.Iterations)
	assert.Equal(t, []string{"create_plan", "complete_task", "complete_task"}, rec.skills)

	got := l.Record()
	states := make([]model.LoopState, 0, len(got.History))
	for _, tr := range got.History {
		states = append(states, tr.To)
	}
	assert.Equal(t, []model.LoopState{model.LoopStatePlanned, model.LoopStateExecuting, model.LoopStateFailed}, states)
	assert.Equal(t, "Max iterations (3) reached", got.History[2].Reason)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	folder, ok := v.Locate("ODOO_stuck")
	require.True(t, ok)
	assert.Equal(t, vault.FolderErrors, folder)
}

func TestRun_ContextCarriesHistoryAndFile(t *testing.T) {
	v := setupVault(t)
	path := writeTask(t, v, "AUDIT_weekly.md")

	rec := &recorder{}
	l, err := New(v, path, rec, append(fastOpts(), WithMaxIterations(2))...)
	require.NoError(t, err)
	_, err = l.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.ctxs, 2)
	assert.Contains(t, rec.ctxs[0], "Iteration: 1/2")
	assert.Contains(t, rec.ctxs[0], "Current state: created")
	assert.Contains(t, rec.ctxs[0], "Do the thing")
	assert.Contains(t, rec.ctxs[1], "Prior output:\nok create_plan")
	assert.Contains(t, rec.ctxs[1], "- created -> planned (plan created)")
}

func TestRun_TruncatesOutput(t *testing.T) {
	v := setupVault(t)
	path := writeTask(t, v, "ODOO_long.md")

	inv := skill.InvokerFunc(func(context.Context, skill.Request) skill.Result {
		return skill.Result{Output: string(make([]byte, 5000))}
	})
	l, err := New(v, path, inv, append(fastOpts(), WithMaxIterations(1), WithOutputLimit(100))...)
	require.NoError(t, err)
	_, err = l.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, l.Record().PriorOutput, 100)
}

func TestRun_SkillErrorDoesNotAbort(t *testing.T) {
	v := setupVault(t)
	path := writeTask(t, v, "ODOO_err.md")

	inv := skill.InvokerFunc(func(context.Context, skill.Request) skill.Result {
		return skill.Result{Err: skill.ErrTimeout}
	})
	l, err := New(v, path, inv, append(fastOpts(), WithMaxIterations(2))...)
	require.NoError(t, err)
	sum, err := l.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Iterations)
	assert.Equal(t, "Error: "+skill.ErrTimeout.Error(), l.Record().PriorOutput)
}

func TestRun_WaitsForApproval(t *testing.T) {
	v := setupVault(t)
	path := writeTask(t, v, "PAYMENT_vendor.md")

	var pendingPath string
	rec := &recorder{}
	rec.fn = func(n int, req skill.Request) {
		switch req.Skill {
		case "create_plan":
			p, err := v.Move(path, vault.FolderPendingApproval)
			require.NoError(t, err)
			pendingPath = p
		case "execute_action":
			src := filepath.Join(v.Dir(vault.FolderApproved), "PAYMENT_vendor.md")
			_, err := v.Move(src, vault.FolderDone)
			require.NoError(t, err)
		}
	}

	polls := 0
	loc := LocatorFunc(func(id string) (vault.Folder, bool) {
		folder, ok := v.Locate(id)
		if ok && folder == vault.FolderPendingApproval {
			polls++
			if polls == 3 {
				_, err := v.Move(pendingPath, vault.FolderApproved)
				require.NoError(t, err)
				return vault.FolderApproved, true
			}
		}
		return folder, ok
	})

	l, err := New(v, path, rec, append(fastOpts(), WithLocator(loc))...)
	require.NoError(t, err)
	sum, err := l.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.LoopStateCompleted, sum.FinalState)
	assert.Equal(t, []string{"create_plan", "execute_action"}, rec.skills)

	var states []model.LoopState
	for _, tr := range l.Record().History {
		states = append(states, tr.To)
	}
	assert.Equal(t, []model.LoopState{
		model.LoopStateAwaitingApproval,
		model.LoopStateApproved,
		model.LoopStateCompleted,
	}, states)
}

func TestRun_ResumesAfterCancel(t *testing.T) {
	v := setupVault(t)
	path := writeTask(t, v, "ODOO_resume.md")

	ctx, cancel := context.WithCancel(context.Background())
	first := &recorder{fn: func(int, skill.Request) { cancel() }}
	l1, err := New(v, path, first, fastOpts()...)
	require.NoError(t, err)

	sum, err := l1.Run(ctx)
	require.NoError(t, err)
	assert.False(t, sum.Terminal)
	assert.Equal(t, model.LoopStatePlanned, sum.FinalState)
	assert.Equal(t, 1, sum.Iterations)
	assert.FileExists(t, NewFileStore(v.Root()).Path("ODOO_resume"))

	second := &recorder{fn: func(int, skill.Request) {
		_, err := v.Move(path, vault.FolderDone)
		require.NoError(t, err)
	}}
	l2, err := New(v, path, second, fastOpts()...)
	require.NoError(t, err)
	assert.Equal(t, 1, l2.Record().Iteration)

	sum, err = l2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.LoopStateCompleted, sum.FinalState)
	assert.Equal(t, 2, sum.Iterations)
	assert.Equal(t, []string{"complete_task"}, second.skills)
}

func TestRun_TerminalRecordDoesNothing(t *testing.T) {
	v := setupVault(t)
	path := writeTask(t, v, "ODOO_done.md")

	store := NewFileStore(v.Root())
	require.NoError(t, store.Save(&Record{TaskID: "ODOO_done", TaskFile: path, CurrentState: model.LoopStateCompleted, Iteration: 4}))
	_, err := v.Move(path, vault.FolderDone)
	require.NoError(t, err)

	rec := &recorder{}
	l, err := New(v, path, rec, fastOpts()...)
	require.NoError(t, err)
	sum, err := l.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Iterations)
	assert.Empty(t, rec.skills)
}

func TestNew_TerminalRecordSupersededByNewFile(t *testing.T) {
	v := setupVault(t)
	store := NewFileStore(v.Root())
	require.NoError(t, store.Save(&Record{
		TaskID:       "AUDIT_weekly",
		TaskFile:     filepath.Join(v.Dir(vault.FolderErrors), "AUDIT_weekly.md"),
		CurrentState: model.LoopStateFailed,
		Iteration:    15,
	}))
	path := writeTask(t, v, "AUDIT_weekly.md")

	rec := &recorder{fn: func(int, skill.Request) {
		_, err := v.Move(path, vault.FolderDone)
		require.NoError(t, err)
	}}
	l, err := New(v, path, rec, fastOpts()...)
	require.NoError(t, err)
	got := l.Record()
	assert.Equal(t, model.LoopStateCreated, got.CurrentState)
	assert.Equal(t, 0, got.Iteration)
	assert.Equal(t, path, got.TaskFile)

	sum, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.LoopStateCompleted, sum.FinalState)
	assert.Equal(t, []string{"create_plan"}, rec.skills)
}

func TestRun_IgnoresEarlierFileWithSameName(t *testing.T) {
	v := setupVault(t)
	old := filepath.Join(v.Dir(vault.FolderErrors), "ODOO_sync.md")
	require.NoError(t, os.WriteFile(old, []byte("old run\n"), 0644))
	path := writeTask(t, v, "ODOO_sync.md")

	rec := &recorder{}
	l, err := New(v, path, rec, append(fastOpts(), WithMaxIterations(2))...)
	require.NoError(t, err)
	sum, err := l.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"create_plan", "complete_task"}, rec.skills)
	assert.Equal(t, model.LoopStateFailed, sum.FinalState)
	assert.NoFileExists(t, path)
	assert.NotEqual(t, old, l.Record().TaskFile)
	assert.FileExists(t, l.Record().TaskFile)
	assert.FileExists(t, old)
}

func TestNew_ResumeFollowsMovedTaskFile(t *testing.T) {
	v := setupVault(t)
	path := writeTask(t, v, "AUDIT_q3.md")

	ctx, cancel := context.WithCancel(context.Background())
	first := &recorder{fn: func(int, skill.Request) { cancel() }}
	l1, err := New(v, path, first, fastOpts()...)
	require.NoError(t, err)
	sum, err := l1.Run(ctx)
	require.NoError(t, err)
	require.False(t, sum.Terminal)

	claimed := filepath.Join(v.AgentDir("a1"), "AUDIT_q3.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(claimed), 0755))
	require.NoError(t, os.Rename(path, claimed))

	second := &recorder{}
	l2, err := New(v, claimed, second, append(fastOpts(), WithMaxIterations(3))...)
	require.NoError(t, err)
	assert.Equal(t, claimed, l2.Record().TaskFile)

	stored, _, err := NewFileStore(v.Root()).Load("AUDIT_q3")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, claimed, stored.TaskFile)

	sum, err = l2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.LoopStateFailed, sum.FinalState)
	require.NotEmpty(t, second.ctxs)
	assert.Contains(t, second.ctxs[0], "Do the thing")
	assert.NoFileExists(t, claimed)
	folder, ok := v.Locate("AUDIT_q3")
	require.True(t, ok)
	assert.Equal(t, vault.FolderErrors, folder)
}

func TestFileStore_CorruptRecordStartsFresh(t *testing.T) {
	v := setupVault(t)
	store := NewFileStore(v.Root())
	require.NoError(t, os.MkdirAll(store.Dir(), 0755))
	require.NoError(t, os.WriteFile(store.Path("ODOO_bad"), []byte("{not json"), 0644))

	l, err := New(v, filepath.Join(v.Dir(vault.FolderNeedsAction), "ODOO_bad.md"), &recorder{}, fastOpts()...)
	require.NoError(t, err)

	got := l.Record()
	assert.Equal(t, model.LoopStateCreated, got.CurrentState)
	assert.Equal(t, 0, got.Iteration)

	quarantined, err := filepath.Glob(filepath.Join(store.Dir(), "quarantine", "ODOO_bad.json.*.corrupt"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

func TestFileStore_CorruptRecordRestoredFromBackup(t *testing.T) {
	v := setupVault(t)
	store := NewFileStore(v.Root())

	require.NoError(t, store.Save(&Record{TaskID: "ODOO_bak", CurrentState: model.LoopStatePlanned, Iteration: 2}))
	require.NoError(t, store.Save(&Record{TaskID: "ODOO_bak", CurrentState: model.LoopStateExecuting, Iteration: 3}))
	require.NoError(t, os.WriteFile(store.Path("ODOO_bak"), []byte("garbage"), 0644))

	rec, recovered, err := store.Load("ODOO_bak")
	require.NoError(t, err)
	assert.True(t, recovered)
	require.NotNil(t, rec)
	assert.Equal(t, model.LoopStatePlanned, rec.CurrentState)
	assert.Equal(t, 2, rec.Iteration)
}

func TestFileStore_Delete(t *testing.T) {
	store := NewFileStore(t.TempDir())
	require.NoError(t, store.Save(&Record{TaskID: "x"}))
	require.NoError(t, store.Save(&Record{TaskID: "x", Iteration: 1}))
	require.NoError(t, store.Delete("x"))

	rec, _, err := store.Load("x")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoFileExists(t, store.Path("x")+".bak")
}
