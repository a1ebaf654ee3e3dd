package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

type violationsOptions struct {
	workspace string
	agent     string
	session   string
	action    string
	since     time.Duration
	limit     int
}

func newViolationsCmd(root *rootOptions) *cobra.Command {
	opts := &violationsOptions{}
	cmd := &cobra.Command{
		Use:   "violations",
		Short: "Query the violation log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.workspace == "" {
				return errors.New("--workspace is required")
			}
			f := models.ViolationFilter{
				WorkspaceID: opts.workspace,
				AgentID:     opts.agent,
				SessionID:   opts.session,
				Action:      models.ViolationAction(opts.action),
				Limit:       opts.limit,
			}
			if opts.since > 0 {
				f.Since = time.Now().Add(-opts.since)
			}

			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			vs, err := a.svc.ListViolations(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("list violations: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), vs)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.workspace, "workspace", "w", "", "workspace id")
	f.StringVar(&opts.agent, "agent", "", "filter by agent id")
	f.StringVar(&opts.session, "session", "", "filter by session id")
	f.StringVar(&opts.action, "action", "", "filter by action taken (blocked, pending_approval, warned)")
	f.DurationVar(&opts.since, "since", 0, "only violations newer than this age, e.g. 24h")
	f.IntVar(&opts.limit, "limit", 100, "maximum records")
	return cmd
}
