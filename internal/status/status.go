// Package status reports vault health: orchestrator liveness and
// per-stage document counts.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/uds"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/vault"
)

type VaultStatus struct {
	Orchestrator OrchestratorStatus `json:"orchestrator"`
	Stages       []StageStatus      `json:"stages"`
}

type OrchestratorStatus struct {
	Running bool   `json:"running"`
	Pid     string `json:"pid,omitempty"`
}

type StageStatus struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Run prints the vault status, as a table or as JSON.
func Run(vaultRoot string, jsonOutput bool) error {
	st, err := Collect(vaultRoot)
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if st.Orchestrator.Running {
		fmt.Printf("orchestrator: running (pid %s)\n", st.Orchestrator.Pid)
	} else {
		fmt.Println("orchestrator: not running")
	}
	fmt.Println()
	for _, s := range st.Stages {
		fmt.Printf("%-18s %d\n", s.Name, s.Count)
	}
	return nil
}

// Collect gathers the status without printing it.
func Collect(vaultRoot string) (*VaultStatus, error) {
	v, err := vault.Open(vaultRoot)
	if err != nil {
		return nil, err
	}

	st := &VaultStatus{
		Orchestrator: checkOrchestrator(vaultRoot),
	}

	counts, err := v.Counts()
	if err != nil {
		return nil, err
	}
	for _, s := range vault.Stages {
		st.Stages = append(st.Stages, StageStatus{Name: string(s), Count: counts[s]})
	}
	return st, nil
}

func checkOrchestrator(vaultRoot string) OrchestratorStatus {
	client := uds.NewClient(filepath.Join(vaultRoot, "locks", uds.DefaultSocketName))
	client.SetTimeout(2 * time.Second)

	if err := client.Ping(); err != nil {
		return OrchestratorStatus{Running: false}
	}

	st := OrchestratorStatus{Running: true}
	if data, err := os.ReadFile(filepath.Join(vaultRoot, "locks", "processor.pid")); err == nil {
		st.Pid = strings.TrimSpace(string(data))
	}
	return st
}
