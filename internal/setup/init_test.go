package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/config"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/vault"
)

func TestRun_CreatesVault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "acme-ops")

	if err := Run(dir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, stage := range vault.Stages {
		if _, err := os.Stat(filepath.Join(dir, string(stage))); err != nil {
			t.Errorf("stage dir %s missing: %v", stage, err)
		}
	}
	for _, sub := range []string{"logs", "spool", "locks"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("support dir %s missing: %v", sub, err)
		}
	}
	for _, name := range []string{"Dashboard.md", "Company_Handbook.md", "Business_Goals.md"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("template %s missing: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "locks", "processor.pid")); err != nil {
		t.Errorf("processor.pid missing: %v", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("Load generated config: %v", err)
	}
	if cfg.Vault.Name != "acme-ops" {
		t.Errorf("vault name = %q, want directory basename", cfg.Vault.Name)
	}
	if cfg.Vault.Created == "" {
		t.Error("created timestamp not set")
	}
	if len(cfg.Sources) == 0 {
		t.Error("template config defines no sources")
	}
}

func TestRun_NameOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "whatever")

	if err := Run(dir, "Front Office"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Vault.Name != "Front Office" {
		t.Errorf("vault name = %q", cfg.Vault.Name)
	}
}

func TestRun_RefusesExistingVault(t *testing.T) {
	dir := t.TempDir()

	if err := Run(dir, ""); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := Run(dir, ""); err == nil {
		t.Fatal("second Run must refuse an initialized vault")
	}
}
