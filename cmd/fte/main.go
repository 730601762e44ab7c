// Command fte runs the autonomous task orchestrator against a vault.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/config"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/daemon"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/setup"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/status"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/task"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/uds"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/vault"
)

const version = "1.0.0"

var vaultRoot string

func main() {
	root := &cobra.Command{
		Use:           "fte",
		Short:         "Human-supervised task orchestrator over a plain-folder vault",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&vaultRoot, "vault", ".", "vault root directory")

	root.AddCommand(
		newInitCmd(),
		newWatchCmd(),
		newProcessCmd(),
		newStatusCmd(),
		newActionsCmd(),
		newScanCmd(),
		newStopCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fte: %v\n", err)
		os.Exit(1)
	}
}

func newInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a new vault",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := vaultRoot
			if len(args) == 1 {
				dir = args[0]
			}
			if err := setup.Run(dir, name); err != nil {
				return err
			}
			abs, _ := filepath.Abs(dir)
			fmt.Printf("Initialized vault in %s\n", abs)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "vault name (defaults to directory basename)")
	return cmd
}

func watchFlags(cmd *cobra.Command, opts *daemon.Options) {
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "never invoke the agent or execute actions")
	cmd.Flags().BoolVar(&opts.SkipBacklog, "skip-backlog", false, "mark the existing source backlog as seen instead of ingesting it")
	cmd.Flags().StringSliceVar(&opts.Sources, "source", nil, "poll only the named sources (repeatable)")
}

func newWatchCmd() *cobra.Command {
	var opts daemon.Options
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the orchestrator until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(vaultRoot)
			if err != nil {
				return err
			}
			d, err := daemon.New(vaultRoot, cfg, opts)
			if err != nil {
				return err
			}
			return d.Run()
		},
	}
	watchFlags(cmd, &opts)
	cmd.Flags().BoolVar(&opts.LogToFile, "log-to-file", false, "log to logs/processor.log instead of stdout")
	return cmd
}

func newProcessCmd() *cobra.Command {
	var opts daemon.Options
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one poll and scan pass, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(vaultRoot)
			if err != nil {
				return err
			}
			return daemon.RunOnce(context.Background(), vaultRoot, cfg, opts)
		},
	}
	watchFlags(cmd, &opts)
	return cmd
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator liveness and per-stage counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return status.Run(vaultRoot, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit JSON")
	return cmd
}

type pendingAction struct {
	DocID      string            `json:"doc_id"`
	Priority   string            `json:"priority"`
	Summary    string            `json:"summary,omitempty"`
	ActionType string            `json:"action_type"`
	Params     map[string]string `json:"params"`
}

func newActionsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List actions waiting for approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := vault.Open(vaultRoot)
			if err != nil {
				return err
			}
			names, err := v.List(vault.StageAwaitingApproval)
			if err != nil {
				return err
			}

			var pending []pendingAction
			for _, name := range names {
				data, err := v.ReadDoc(vault.StageAwaitingApproval, name)
				if err != nil {
					return err
				}
				doc, err := task.Parse(data)
				if err != nil {
					fmt.Fprintf(os.Stderr, "skipping %s: %v\n", name, err)
					continue
				}
				pending = append(pending, pendingAction{
					DocID:      doc.ID,
					Priority:   string(doc.Priority),
					Summary:    doc.Summary,
					ActionType: doc.ActionType,
					Params:     doc.ActionParams,
				})
			}

			if jsonOutput {
				data, err := json.MarshalIndent(pending, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			if len(pending) == 0 {
				fmt.Println("no actions awaiting approval")
				return nil
			}
			for _, p := range pending {
				fmt.Printf("%s [%s] %s\n", p.DocID, p.Priority, p.ActionType)
				if p.Summary != "" {
					fmt.Printf("  %s\n", p.Summary)
				}
				for k, v := range p.Params {
					fmt.Printf("  %s: %s\n", k, v)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit JSON")
	return cmd
}

func controlCommand(use, short string, call func(*uds.Client) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := uds.NewClient(filepath.Join(vaultRoot, "locks", uds.DefaultSocketName))
			client.SetTimeout(5 * time.Second)
			if err := call(client); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newScanCmd() *cobra.Command {
	return controlCommand("scan", "Ask the running orchestrator for an immediate scan",
		(*uds.Client).TriggerScan)
}

func newStopCmd() *cobra.Command {
	return controlCommand("stop", "Ask the running orchestrator to shut down",
		(*uds.Client).RequestShutdown)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fte version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fte %s\n", version)
		},
	}
}
