// Command guardrail runs and operates the agent guardrail service.
//
// Subcommands:
//   - serve:      run the expiry and eviction sweepers and expose /metrics
//   - check:      run one pre-flight check and print the verdict as JSON
//   - emergency:  set or clear a workspace emergency stop
//   - approvals:  list and decide approval requests
//   - violations: query the violation log
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var appVersion = "dev"

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "guardrail",
		Short:         "Pre-flight guardrails for autonomous coding agents",
		Long:          "guardrail evaluates agent operations against workspace safety rules, rate limits, budgets, and human approval gates.",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path (default /etc/agent-guardrails/config.yaml)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newEmergencyCmd(opts))
	cmd.AddCommand(newApprovalsCmd(opts))
	cmd.AddCommand(newViolationsCmd(opts))
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
