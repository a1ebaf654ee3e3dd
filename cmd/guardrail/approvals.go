package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

type approvalsOptions struct {
	workspace      string
	status         string
	includeExpired bool

	approve bool
	deny    bool
	by      string
	reason  string

	timeout time.Duration
}

func newApprovalsCmd(root *rootOptions) *cobra.Command {
	opts := &approvalsOptions{}
	cmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "List, decide, and wait on approval requests",
	}
	cmd.PersistentFlags().StringVarP(&opts.workspace, "workspace", "w", "", "workspace id")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests by priority, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := models.ApprovalStatus(opts.status)
			if status != "" && !status.Valid() {
				return fmt.Errorf("invalid status %q", opts.status)
			}
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			reqs, err := a.svc.ListApprovals(cmd.Context(), models.ApprovalFilter{
				WorkspaceID:    opts.workspace,
				Status:         status,
				IncludeExpired: opts.includeExpired,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), reqs)
		},
	}
	listCmd.Flags().StringVar(&opts.status, "status", "", "filter by status (pending, approved, denied, expired, cancelled)")
	listCmd.Flags().BoolVar(&opts.includeExpired, "include-expired", false, "include expired requests")

	decideCmd := &cobra.Command{
		Use:   "decide ID",
		Short: "Approve or deny a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.approve == opts.deny {
				return errors.New("exactly one of --approve or --deny is required")
			}
			if opts.by == "" {
				return errors.New("--by is required")
			}
			decision := models.DecisionDenied
			if opts.approve {
				decision = models.DecisionApproved
			}
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			req, err := a.svc.DecideApproval(cmd.Context(), args[0], decision, opts.by, opts.reason)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), req)
		},
	}
	decideCmd.Flags().BoolVar(&opts.approve, "approve", false, "approve the request")
	decideCmd.Flags().BoolVar(&opts.deny, "deny", false, "deny the request")
	decideCmd.Flags().StringVar(&opts.by, "by", "", "approver identity")
	decideCmd.Flags().StringVar(&opts.reason, "reason", "", "decision reason")

	waitCmd := &cobra.Command{
		Use:   "wait ID",
		Short: "Block until a request leaves pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			timeout := opts.timeout
			if timeout <= 0 {
				timeout = time.Duration(a.cfg.Approvals.WaitTimeoutMinutes) * time.Minute
			}
			interval := time.Duration(a.cfg.Approvals.WaitPollIntervalMs) * time.Millisecond

			req, err := a.svc.WaitForApproval(cmd.Context(), args[0], interval, timeout)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), req)
		},
	}
	waitCmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "maximum wait (defaults to approvals.wait_timeout_minutes)")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize approval requests for a workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.workspace == "" {
				return errors.New("--workspace is required")
			}
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.svc.GetApprovalStats(cmd.Context(), opts.workspace)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), s)
		},
	}

	escalationCmd := &cobra.Command{
		Use:   "escalation",
		Short: "Evaluate the workspace escalation thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.workspace == "" {
				return errors.New("--workspace is required")
			}
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.svc.CheckEscalation(cmd.Context(), opts.workspace, nil)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), d)
		},
	}

	expireCmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire every pending request past its deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.svc.ProcessExpiredApprovals(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d approval requests\n", n)
			return nil
		},
	}

	cmd.AddCommand(listCmd, decideCmd, waitCmd, statsCmd, escalationCmd, expireCmd)
	return cmd
}
