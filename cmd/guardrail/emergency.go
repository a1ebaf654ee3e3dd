package main

import (
	"errors"
	"fmt"
	"os/user"

	"github.com/spf13/cobra"
)

type emergencyOptions struct {
	workspace string
	reason    string
	by        string
}

func newEmergencyCmd(root *rootOptions) *cobra.Command {
	opts := &emergencyOptions{}
	cmd := &cobra.Command{
		Use:   "emergency",
		Short: "Set, clear, or inspect a workspace emergency stop",
	}
	cmd.PersistentFlags().StringVarP(&opts.workspace, "workspace", "w", "", "workspace id")
	cmd.PersistentFlags().StringVar(&opts.by, "by", "", "operator recorded as initiator (defaults to the current user)")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Deny every operation in the workspace until cleared",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.svc.EmergencyStop(cmd.Context(), opts.workspace, opts.reason, opts.initiator())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "emergency stop active for workspace %s\n", cfg.WorkspaceID)
			return nil
		},
	}
	stopCmd.Flags().StringVar(&opts.reason, "reason", "", "reason shown in every denial")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the emergency stop rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.svc.ClearEmergencyStop(cmd.Context(), opts.workspace, opts.initiator())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d emergency rules from workspace %s\n", n, opts.workspace)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether an emergency stop is active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			active, err := a.svc.EmergencyStopActive(cmd.Context(), opts.workspace)
			if err != nil {
				return err
			}
			state := "inactive"
			if active {
				state = "active"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "emergency stop %s for workspace %s\n", state, opts.workspace)
			return nil
		},
	}

	cmd.AddCommand(stopCmd, clearCmd, statusCmd)
	return cmd
}

func (o *emergencyOptions) validate() error {
	if o.workspace == "" {
		return errors.New("--workspace is required")
	}
	return nil
}

func (o *emergencyOptions) initiator() string {
	if o.by != "" {
		return o.by
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}
