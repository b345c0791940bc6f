package cli

import (
	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/status"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show folder depths, claims, heartbeats and daemon stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return status.Run(cmd.Context(), e.root, e.cfg, asJSON, cmd.OutOrStdout())
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	rootCmd.AddCommand(statusCmd)
}
