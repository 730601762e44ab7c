// Package setup handles vault initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/config"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/vault"
	atomicyaml "github.com/ami4u87/Autonomous-Digital-FTE/internal/yaml"
	"github.com/ami4u87/Autonomous-Digital-FTE/templates"
)

// Run initializes a new vault at vaultDir. vaultName overrides the
// auto-detected name (defaults to the directory basename if empty).
func Run(vaultDir, vaultName string) error {
	absDir, err := filepath.Abs(vaultDir)
	if err != nil {
		return fmt.Errorf("resolve vault dir: %w", err)
	}

	if _, err := os.Stat(filepath.Join(absDir, config.FileName)); err == nil {
		return fmt.Errorf("%s already contains a vault", absDir)
	}

	if err := os.MkdirAll(absDir, 0755); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}

	v, err := vault.Open(absDir)
	if err != nil {
		return err
	}
	if err := v.EnsureLayout(); err != nil {
		return err
	}

	for _, name := range []string{"Dashboard.md", "Company_Handbook.md", "Business_Goals.md"} {
		if err := copyTemplateFile(name, filepath.Join(absDir, name)); err != nil {
			return err
		}
	}

	cfg, err := generateConfig(absDir, vaultName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(absDir, config.FileName), cfg); err != nil {
		return fmt.Errorf("write %s: %w", config.FileName, err)
	}

	// Pre-create the lock file so a reviewer browsing the vault sees it.
	if err := os.WriteFile(filepath.Join(absDir, "locks", "processor.pid"), nil, 0600); err != nil {
		return fmt.Errorf("create processor.pid: %w", err)
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

func generateConfig(vaultDir, vaultName string) (*config.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg config.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if vaultName != "" {
		cfg.Vault.Name = vaultName
	} else {
		cfg.Vault.Name = filepath.Base(vaultDir)
	}
	cfg.Vault.Created = time.Now().Format(time.RFC3339)

	return &cfg, nil
}
