// Package skill runs named AI CLI skills against the vault.
package skill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/logging"
)

const (
	DefaultTimeout = 120 * time.Second
	stderrLimit    = 500
)

var (
	ErrTimeout  = errors.New("skill invocation timed out")
	ErrNotFound = errors.New("skill CLI not found")
)

// Request names a skill and the context handed to it.
type Request struct {
	Skill   string
	Context string
	TaskID  string
}

// Result is the outcome of one invocation. Err is set on failure.
type Result struct {
	Output   string
	Err      error
	Duration time.Duration
}

// Text returns the output, or an "Error: ..." string on failure.
func (r Result) Text() string {
	if r.Err != nil {
		return "Error: " + r.Err.Error()
	}
	return r.Output
}

// Invoker runs a skill. Failures are reported in Result, never by panicking.
type Invoker interface {
	Invoke(ctx context.Context, req Request) Result
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) Result

func (f InvokerFunc) Invoke(ctx context.Context, req Request) Result { return f(ctx, req) }

// Prompt is the text sent to the CLI for req.
func Prompt(req Request) string {
	return fmt.Sprintf("Use the %s skill. Context:\n\n%s", req.Skill, req.Context)
}

// CLIInvoker shells out to `<command> [args...] -p <prompt>` in the vault root.
type CLIInvoker struct {
	command  string
	args     []string
	workDir  string
	timeout  time.Duration
	dryRun   bool
	audit    *audit.Logger
	logger   *log.Logger
	logLevel logging.Level
}

type CLIOptions struct {
	Command string
	Args    []string
	WorkDir string
	Timeout time.Duration
	DryRun  bool
}

func NewCLIInvoker(opts CLIOptions, logger *log.Logger, logLevel logging.Level) *CLIInvoker {
	if opts.Command == "" {
		opts.Command = "claude"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &CLIInvoker{
		command:  opts.Command,
		args:     opts.Args,
		workDir:  opts.WorkDir,
		timeout:  opts.Timeout,
		dryRun:   opts.DryRun,
		logger:   logger,
		logLevel: logLevel,
	}
}

// SetAuditLogger wires the audit trail. Must be called before concurrent use.
func (c *CLIInvoker) SetAuditLogger(a *audit.Logger) {
	c.audit = a
}

// BuildCmd constructs the exec.Cmd. Stdin is empty so a non-TTY daemon
// never blocks, and CLAUDECODE* variables are stripped from the environment.
func (c *CLIInvoker) BuildCmd(ctx context.Context, req Request) *exec.Cmd {
	args := append(slices.Clone(c.args), "-p", Prompt(req))
	cmd := exec.CommandContext(ctx, c.command, args...) //nolint:gosec // command comes from local config
	cmd.Dir = c.workDir
	cmd.WaitDelay = 5 * time.Second
	cmd.Stdin = strings.NewReader("")
	cmd.Env = slices.DeleteFunc(os.Environ(), func(e string) bool {
		return strings.HasPrefix(e, "CLAUDECODE")
	})
	return cmd
}

func (c *CLIInvoker) Invoke(ctx context.Context, req Request) Result {
	start := time.Now()

	if c.dryRun {
		c.log(logging.LevelInfo, "invoke_dry_run skill=%s task=%s", req.Skill, req.TaskID)
		_ = c.audit.Log("skill_invoke", "skill", req.TaskID, "dry_run", map[string]any{"skill": req.Skill})
		return Result{Output: fmt.Sprintf("[DRY-RUN] Would invoke skill: %s", req.Skill)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := c.BuildCmd(ctx, req)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Duration: time.Since(start)}
	switch {
	case err == nil:
		res.Output = strings.TrimSpace(stdout.String())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Err = fmt.Errorf("%w after %s (skill %s)", ErrTimeout, c.timeout, req.Skill)
	case errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist):
		res.Err = fmt.Errorf("%w: %s", ErrNotFound, c.command)
	default:
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > stderrLimit {
			msg = msg[:stderrLimit]
		}
		if msg == "" {
			msg = err.Error()
		}
		res.Err = fmt.Errorf("skill %s failed: %s", req.Skill, msg)
	}

	result := "success"
	if res.Err != nil {
		result = "failed"
		c.log(logging.LevelWarn, "invoke_failed skill=%s task=%s duration=%s error=%v", req.Skill, req.TaskID, res.Duration, res.Err)
	} else {
		c.log(logging.LevelInfo, "invoke skill=%s task=%s duration=%s", req.Skill, req.TaskID, res.Duration)
	}
	_ = c.audit.Log("skill_invoke", "skill", req.TaskID, result, map[string]any{
		"skill":       req.Skill,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res
}

func (c *CLIInvoker) log(level logging.Level, format string, args ...any) {
	logging.Logf(c.logger, c.logLevel, level, "skill", format, args...)
}
