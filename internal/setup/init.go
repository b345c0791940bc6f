// Package setup initializes a new taskvault vault.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/msageha/taskvault/internal/atomicfile"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/vault"
	"github.com/msageha/taskvault/templates"
)

const dashboardName = "Dashboard.md"

// Options override fields of the generated config. Empty values keep the template's.
type Options struct {
	AgentID string
	Role    string
}

// Run creates the folder taxonomy under root and writes config.yaml and the
// dashboard. It refuses to touch a root that already has a config.
func Run(root string, opts Options) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve vault dir: %w", err)
	}

	cfgPath := filepath.Join(absRoot, model.ConfigFileName)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}

	v := vault.New(absRoot)
	if err := v.EnsureLayout(); err != nil {
		return err
	}

	cfg, err := generateConfig(opts)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := atomicfile.WriteYAML(cfgPath, cfg); err != nil {
		return fmt.Errorf("write %s: %w", model.ConfigFileName, err)
	}

	dash := filepath.Join(absRoot, dashboardName)
	if _, err := os.Stat(dash); os.IsNotExist(err) {
		if err := copyTemplateFile(dashboardName, dash); err != nil {
			return err
		}
	}
	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(opts Options) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, model.ConfigFileName)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if opts.AgentID != "" {
		cfg.Agent.ID = opts.AgentID
	}
	if opts.Role != "" {
		cfg.Agent.Role = opts.Role
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
