package cli

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/claim"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/vault"
)

var (
	taskCmd = &cobra.Command{
		Use:   "task",
		Short: "Task file utilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	taskCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Write a new task into Needs_Action",
		RunE:  runTaskCreate,
	}

	claimCmd = &cobra.Command{
		Use:   "claim <file>",
		Short: "Claim a task from Needs_Action for this agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runClaim,
	}

	unclaimCmd = &cobra.Command{
		Use:   "unclaim <file>",
		Short: "Return a claimed task to Needs_Action",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnclaim,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Return stale claims from every agent to Needs_Action",
		RunE:  runSweep,
	}
)

func init() {
	f := taskCreateCmd.Flags()
	f.String("prefix", "", "filename prefix, e.g. EMAIL")
	f.String("name", "", "task name; sanitized into the filename")
	f.String("priority", "", "high, medium or low")
	f.Bool("approval", false, "require human approval before execution")
	f.String("type", "", "override the prefix-derived task type")
	f.String("body", "", "markdown body")
	taskCmd.AddCommand(taskCreateCmd)

	sweepCmd.Flags().Duration("max-age", 0, "claim age to reclaim (default watcher.stale_claim_sec)")

	rootCmd.AddCommand(taskCmd, claimCmd, unclaimCmd, sweepCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	prefix, _ := f.GetString("prefix")
	name, _ := f.GetString("name")
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	name = strings.TrimSpace(name)
	if prefix == "" || name == "" {
		return fmt.Errorf("--prefix and --name are required")
	}

	meta := map[string]any{}
	if p, _ := f.GetString("priority"); p != "" {
		pr := model.ParsePriority(p)
		if string(pr) != strings.ToLower(strings.TrimSpace(p)) {
			return fmt.Errorf("--priority: unknown value %q", p)
		}
		meta["priority"] = string(pr)
	}
	if approval, _ := f.GetBool("approval"); approval {
		meta["requires_approval"] = true
	}
	if typ, _ := f.GetString("type"); typ != "" {
		meta["type"] = typ
	}
	body, _ := f.GetString("body")

	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	path, err := e.vault.CreateTask(vault.FolderNeedsAction, prefix, name, meta, body)
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "%s\n", path)
	return nil
}

// newClaims builds this agent's claim manager with the audit trail attached.
// The returned func closes the audit log.
func newClaims(e *env) (*claim.Manager, func(), error) {
	m, err := claim.NewManager(e.vault, e.cfg.Agent.ID, e.logger, e.level)
	if err != nil {
		return nil, nil, err
	}
	a, err := e.openAudit()
	if err != nil {
		return nil, nil, err
	}
	m.SetAuditLogger(a)
	return m, func() { _ = a.Close() }, nil
}

func runClaim(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	m, done, err := newClaims(e)
	if err != nil {
		return err
	}
	defer done()

	src := args[0]
	if p, err := resolveTask(src, e.vault.Dir(vault.FolderNeedsAction)); err == nil {
		src = p
	}
	dest, err := m.Claim(src)
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "%s\n", dest)
	return nil
}

func runUnclaim(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	m, done, err := newClaims(e)
	if err != nil {
		return err
	}
	defer done()

	dirs := []string{e.vault.AgentDir(e.cfg.Agent.ID)}
	if owner, ok := m.ClaimOwner(filepath.Base(args[0])); ok {
		dirs = append(dirs, e.vault.AgentDir(owner))
	}
	src, err := resolveTask(args[0], dirs...)
	if err != nil {
		return err
	}
	dest, err := m.Unclaim(src)
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "%s\n", dest)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	m, done, err := newClaims(e)
	if err != nil {
		return err
	}
	defer done()

	maxAge, _ := cmd.Flags().GetDuration("max-age")
	if maxAge <= 0 {
		maxAge = time.Duration(e.cfg.Watcher.StaleClaimSec) * time.Second
	}
	reclaimed := m.CleanupStale(maxAge)
	out := cmd.OutOrStdout()
	printf(out, "Reclaimed %d stale claim(s)\n", len(reclaimed))
	for _, p := range reclaimed {
		printf(out, "  %s\n", filepath.Base(p))
	}
	return nil
}
