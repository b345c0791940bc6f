// Package cli holds the taskvault cobra commands.
package cli

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/skill"
	"github.com/msageha/taskvault/internal/vault"
)

// RootEnv names the vault root when --vault is not given.
const RootEnv = "TASKVAULT_ROOT"

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/msageha/taskvault/internal/cli.version=1.2.3"
	version = "0.3.0"

	vaultFlag string
)

var rootCmd = &cobra.Command{
	Use:           "taskvault",
	Short:         "File-based task ownership and dispatch for AI agents",
	Long:          color.CyanString("taskvault") + " coordinates agents over a shared folder of markdown tasks.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "taskvault %s\n", version)
	},
}

// Execute runs the root command and prints any error to stderr.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultFlag, "vault", "", "vault root (default $"+RootEnv+" or the working directory)")
	rootCmd.AddCommand(versionCmd)
}

// vaultRoot resolves --vault, then $TASKVAULT_ROOT, then the working directory.
func vaultRoot() (string, error) {
	root := vaultFlag
	if root == "" {
		root = os.Getenv(RootEnv)
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	return filepath.Abs(root)
}

// env is what most commands need: the vault, its config and a logger.
type env struct {
	root   string
	vault  *vault.Vault
	cfg    model.Config
	logger *log.Logger
	level  logging.Level
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	root, err := vaultRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := model.LoadConfig(root)
	if err != nil {
		return nil, err
	}
	return &env{
		root:   root,
		vault:  vault.New(root),
		cfg:    cfg,
		logger: log.New(cmd.ErrOrStderr(), "", 0),
		level:  logging.ParseLevel(cfg.Logging.Level),
	}, nil
}

func (e *env) openAudit() (*audit.Logger, error) {
	return audit.New(filepath.Join(e.vault.Dir(vault.FolderLogs), audit.LogFileName), e.cfg.Agent.ID, e.cfg.Audit.MaxSizeBytes)
}

func (e *env) invoker() *skill.CLIInvoker {
	return skill.NewCLIInvoker(skill.CLIOptions{
		Command: e.cfg.Skill.Command,
		Args:    e.cfg.Skill.Args,
		WorkDir: e.root,
		Timeout: time.Duration(e.cfg.Skill.TimeoutSec) * time.Second,
		DryRun:  e.cfg.Skill.DryRun,
	}, e.logger, e.level)
}

// resolveTask finds file as given, then by name in each of dirs.
func resolveTask(file string, dirs ...string) (string, error) {
	if _, err := os.Stat(file); err == nil {
		return filepath.Abs(file)
	}
	name := filepath.Base(file)
	for _, d := range dirs {
		p := filepath.Join(d, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("task file %s not found", file)
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
