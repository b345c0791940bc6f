package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatch daemon for this agent",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().Bool("once", false, "run a single dispatch pass and exit")
	runCmd.Flags().Bool("dry-run", false, "log skill invocations without running the skill CLI")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		e.cfg.Skill.DryRun = true
	}
	inv := e.invoker()

	if once, _ := cmd.Flags().GetBool("once"); once {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		n, err := daemon.RunOnce(ctx, e.root, e.cfg, inv, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		printf(cmd.OutOrStdout(), "Processed %d task(s)\n", n)
		return nil
	}

	d, err := daemon.New(e.root, e.cfg, inv)
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "taskvault %s: agent %s serving %s\n", version, e.cfg.Agent.ID, e.root)
	return d.Run()
}
