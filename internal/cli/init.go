package cli

import (
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/setup"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create the folder layout and a default config.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func init() {
	initCmd.Flags().String("agent-id", "", "agent id written to config.yaml")
	initCmd.Flags().String("role", "", "agent role: local or cloud")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	var root string
	if len(args) == 1 {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		root = abs
	} else {
		r, err := vaultRoot()
		if err != nil {
			return err
		}
		root = r
	}

	agentID, _ := cmd.Flags().GetString("agent-id")
	role, _ := cmd.Flags().GetString("role")
	if err := setup.Run(root, setup.Options{AgentID: agentID, Role: role}); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	color.New(color.FgGreen).Fprintf(out, "Initialized vault at %s\n", root)
	printf(out, "Config: %s\n", filepath.Join(root, model.ConfigFileName))
	return nil
}
