package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/loop"
	"github.com/msageha/taskvault/internal/vault"
)

var loopCmd = &cobra.Command{
	Use:   "loop <file>",
	Short: "Drive one task through the progress loop in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoop,
}

func init() {
	loopCmd.Flags().Int("max-iterations", 0, "iteration budget (default loop.max_iterations)")
	loopCmd.Flags().Bool("reset", false, "discard the persisted loop record and start from created")
	rootCmd.AddCommand(loopCmd)
}

func runLoop(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	m, done, err := newClaims(e)
	if err != nil {
		return err
	}
	defer done()

	path, err := resolveTask(args[0], e.vault.Dir(vault.FolderNeedsAction), e.vault.AgentDir(e.cfg.Agent.ID))
	if err != nil {
		return err
	}
	if filepath.Dir(path) == e.vault.Dir(vault.FolderNeedsAction) {
		if path, err = m.Claim(path); err != nil {
			return err
		}
	}

	a, err := e.openAudit()
	if err != nil {
		return err
	}
	defer a.Close()

	if reset, _ := cmd.Flags().GetBool("reset"); reset {
		if err := loop.NewFileStore(e.root).Delete(vault.Stem(path)); err != nil {
			return err
		}
	}

	maxIter, _ := cmd.Flags().GetInt("max-iterations")
	if maxIter <= 0 {
		maxIter = e.cfg.Loop.MaxIterations
	}
	l, err := loop.New(e.vault, path, e.invoker(),
		loop.WithMaxIterations(maxIter),
		loop.WithApprovalPoll(time.Duration(e.cfg.Loop.ApprovalPollSec)*time.Second),
		loop.WithIterationDelay(time.Duration(e.cfg.Loop.IterationDelayMs)*time.Millisecond),
		loop.WithOutputLimit(e.cfg.Loop.OutputLimit),
		loop.WithLogger(e.logger, e.level),
		loop.WithAudit(a),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	sum, err := l.Run(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printf(out, "task=%s state=%s iterations=%d transitions=%d\n",
		sum.TaskID, sum.FinalState, sum.Iterations, sum.Transitions)
	if !sum.Terminal {
		if _, statErr := os.Stat(path); statErr == nil {
			if _, err := m.Unclaim(path); err == nil {
				printf(out, "interrupted; task returned to %s\n", vault.FolderNeedsAction)
			}
		}
	}
	return nil
}
