package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kubilitics/agent-guardrails/internal/models"
	"github.com/kubilitics/agent-guardrails/internal/safety"
	"github.com/kubilitics/agent-guardrails/internal/safety/approval"
)

// errDenied is returned by check --fail-on-deny for blocked operations.
var errDenied = errors.New("operation denied")

type checkOptions struct {
	input            string
	workspace        string
	agent            string
	session          string
	category         string
	fields           []string
	estimatedDollars float64
	failOnDeny       bool
	requestApproval  bool
}

// checkOutput is what check prints.
type checkOutput struct {
	Result   *safety.PreFlightResult `json:"result"`
	Approval *models.ApprovalRequest `json:"approval,omitempty"`
}

func newCheckCmd(root *rootOptions) *cobra.Command {
	opts := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one pre-flight check and print the verdict",
		Long: `Run one pre-flight check against the workspace config and print the result as JSON.

The operation comes either from flags:

  guardrail check -w ws --category git --field operation=push --field branch=main --field args=--force

or from a JSON request (a file, or "-" for stdin):

  {"workspace_id": "ws", "agent_id": "a1", "operation": {"category": "filesystem", "fields": {"path": ".env"}}}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, root, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.input, "input", "f", "", `JSON request file ("-" reads stdin)`)
	f.StringVarP(&opts.workspace, "workspace", "w", "", "workspace id")
	f.StringVar(&opts.agent, "agent", "", "agent id")
	f.StringVar(&opts.session, "session", "", "session id")
	f.StringVar(&opts.category, "category", "", "operation category (filesystem, git, network, execution, resources, content)")
	f.StringArrayVar(&opts.fields, "field", nil, "operation field as key=value; repeat a key for multiple values")
	f.Float64Var(&opts.estimatedDollars, "estimated-dollars", 0, "estimated cost of the operation")
	f.BoolVar(&opts.failOnDeny, "fail-on-deny", false, "exit non-zero when the operation is denied")
	f.BoolVar(&opts.requestApproval, "request-approval", false, "open an approval request when the verdict requires one")
	return cmd
}

func runCheck(cmd *cobra.Command, root *rootOptions, opts *checkOptions) error {
	req, err := buildPreFlightRequest(cmd.InOrStdin(), opts)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, root.configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.PreFlightCheck(ctx, req)
	if err != nil {
		// res is still a deny; print it so callers see the reason.
		_ = writeJSON(cmd.OutOrStdout(), checkOutput{Result: res})
		return err
	}

	out := checkOutput{Result: res}
	if res.RequiresApproval && opts.requestApproval {
		create := approval.CreateRequest{
			AgentID:     req.AgentID,
			SessionID:   req.SessionID,
			WorkspaceID: req.WorkspaceID,
			Operation:   req.Operation,
			Context:     req.Context,
		}
		if len(res.MatchedRules) > 0 {
			create.Rule = &res.MatchedRules[0]
		}
		out.Approval, err = a.svc.CreateApprovalRequest(ctx, create)
		if err != nil {
			return fmt.Errorf("create approval request: %w", err)
		}
	}

	if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if opts.failOnDeny && res.Action == models.ActionDeny {
		return fmt.Errorf("%w: %s", errDenied, res.Reason)
	}
	return nil
}

// buildPreFlightRequest reads the request from --input or from flags. Flags
// given alongside --input override the decoded ids.
func buildPreFlightRequest(stdin io.Reader, opts *checkOptions) (safety.PreFlightRequest, error) {
	var req safety.PreFlightRequest

	if opts.input != "" {
		var r io.Reader = stdin
		if opts.input != "-" {
			f, err := os.Open(opts.input)
			if err != nil {
				return req, fmt.Errorf("open request: %w", err)
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(&req); err != nil {
			return req, fmt.Errorf("decode request: %w", err)
		}
	} else {
		req.Operation = models.NewOperation(models.Category(opts.category))
	}

	if opts.workspace != "" {
		req.WorkspaceID = opts.workspace
	}
	if opts.agent != "" {
		req.AgentID = opts.agent
	}
	if opts.session != "" {
		req.SessionID = opts.session
	}
	if opts.category != "" {
		req.Operation.Category = models.Category(opts.category)
	}
	if opts.estimatedDollars > 0 {
		req.EstimatedDollars = opts.estimatedDollars
	}

	fields, err := parseFields(opts.fields)
	if err != nil {
		return req, err
	}
	if req.Operation.Fields == nil {
		req.Operation.Fields = make(map[string]models.FieldValue)
	}
	for k, v := range fields {
		req.Operation.Fields[k] = v
	}

	if req.WorkspaceID == "" {
		return req, errors.New("workspace is required (--workspace or workspace_id)")
	}
	if !req.Operation.Category.Valid() {
		return req, fmt.Errorf("invalid category %q", req.Operation.Category)
	}
	return req, nil
}

// parseFields turns repeated key=value flags into operation fields.
func parseFields(pairs []string) (map[string]models.FieldValue, error) {
	out := make(map[string]models.FieldValue, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field %q: expected key=value", p)
		}
		out[k] = append(out[k], v)
	}
	return out, nil
}
