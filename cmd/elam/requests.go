package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"elam/internal/domain"
	"elam/internal/engine"
	"elam/internal/repo"
)

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Submit and follow access requests"}
	cmd.AddCommand(requestSubmitCmd())
	cmd.AddCommand(requestListCmd())
	cmd.AddCommand(requestShowCmd())
	cmd.AddCommand(requestCancelCmd())
	return cmd
}

func requestSubmitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an access request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RequesterID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.SubmitRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printRequest(req)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.ResourceID, "resource", "", "resource id")
	f.StringVar(&opts.ResourceName, "resource-name", "", "display name of the resource")
	f.StringVar(&opts.AccessLevel, "access", "read", "access level (read, write, admin)")
	f.StringVar(&opts.RiskLevel, "risk", "low", "risk level (low, medium, high, critical)")
	f.StringVar(&opts.Justification, "justification", "", "business justification")
	f.StringVar(&opts.BeneficiaryID, "for", "", "beneficiary actor (defaults to the requester)")
	f.StringVar(&opts.WorkflowID, "workflow", "", "force a workflow id")
	f.IntVar(&opts.DurationDays, "days", 0, "grant duration in days")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("justification")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	var mine, breached bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mine {
				f.RequesterID = actorID()
			}
			if breached {
				f.SLABreached = &breached
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, r := range items {
					rows = append(rows, table.Row{r.ID, r.RequesterID, r.ResourceID, r.AccessLevel, r.RiskLevel, r.Status, r.CurrentLevel, r.Deadline, flagBool(r.SLABreached)})
				}
				return printJSONOrTable(items, table.Row{"ID", "Requester", "Resource", "Access", "Risk", "Status", "Level", "Deadline", "Breached"}, rows)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.Status, "status", "", "status filter")
	fl.StringVar(&f.RiskLevel, "risk", "", "risk level filter")
	fl.StringVar(&f.WorkflowID, "workflow", "", "workflow filter")
	fl.StringVar(&f.RequesterID, "requester", "", "requester filter")
	fl.IntVar(&f.Limit, "limit", 50, "maximum rows")
	fl.BoolVar(&mine, "mine", false, "only my requests")
	fl.BoolVar(&breached, "breached", false, "only SLA-breached requests")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request and its approval chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printRequest(req)
			})
		},
	}
}

func requestCancelCmd() *cobra.Command {
	var reason string
	var force bool
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an open request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.CancelRequest(ctx, args[0], actorID(), reason, force)
				if err != nil {
					return err
				}
				return printRequest(req)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().BoolVar(&force, "force", false, "cancel a request you did not submit")
	return cmd
}

func printRequest(req domain.AccessRequest) error {
	rows := make([]table.Row, 0, len(req.Chain))
	for _, item := range req.Chain {
		approver := item.ApproverRole
		if item.ApproverID != nil {
			approver = *item.ApproverID
		}
		if item.DelegatedTo != nil {
			approver += " -> " + *item.DelegatedTo
		}
		rows = append(rows, table.Row{item.Level, item.StepName, approver, item.Status, deref(item.DueAt), deref(item.ActedBy), item.Comment})
	}
	header := fmt.Sprintf("%s  %s %s on %s  [%s/%s]  v%d", req.ID, req.RequesterID, req.AccessLevel, req.ResourceID, req.Status, req.RiskLevel, req.Version)
	if req.SLABreached {
		header += "  SLA BREACHED"
	}
	return printJSONOrTable(req, table.Row{header, "", "", "", "", "", ""}, append([]table.Row{{"Level", "Step", "Approver", "Status", "Due", "By", "Comment"}}, rows...))
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "Act on approval chains"}
	cmd.AddCommand(approvalQueueCmd())
	cmd.AddCommand(approvalActionCmd(engine.ActionApprove, "Approve the current level"))
	cmd.AddCommand(approvalActionCmd(engine.ActionReject, "Reject the request (comment required)"))
	cmd.AddCommand(approvalActionCmd(engine.ActionEscalate, "Escalate the current level"))
	cmd.AddCommand(approvalActionCmd(engine.ActionDelegate, "Delegate the current level to another actor"))
	cmd.AddCommand(approvalStatsCmd())
	return cmd
}

func approvalQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Requests waiting on you, soonest deadline first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ApprovalQueue(ctx, actorID())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					warn := ""
					if it.Request.SLABreached {
						warn = "breached"
					} else if it.SLABreachWarning {
						warn = "due soon"
					}
					rows = append(rows, table.Row{it.Request.ID, it.Request.RequesterID, it.Request.ResourceID, it.Request.RiskLevel, it.Item.Level, it.Item.StepName, deref(it.Item.DueAt), warn})
				}
				return printJSONOrTable(items, table.Row{"Request", "Requester", "Resource", "Risk", "Level", "Step", "Due", "SLA"}, rows)
			})
		},
	}
}

func approvalActionCmd(action, short string) *cobra.Command {
	var comment, delegateTo string
	var version int
	cmd := &cobra.Command{
		Use:   action + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ProcessApprovalAction(ctx, engine.ActionOptions{
					RequestID:       args[0],
					ActorID:         actorID(),
					Action:          action,
					Comment:         comment,
					DelegateTo:      delegateTo,
					ExpectedVersion: version,
				})
				if err != nil {
					return err
				}
				if res.Grant != nil && !jsonOutput() {
					fmt.Printf("grant %s issued to %s\n", res.Grant.ID, res.Grant.ActorID)
				}
				return printRequest(res.Request)
			})
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "comment recorded on the chain level")
	cmd.Flags().IntVar(&version, "expected-version", 0, "fail if the request changed since this version")
	if action == engine.ActionDelegate {
		cmd.Flags().StringVar(&delegateTo, "to", "", "delegate actor id")
		_ = cmd.MarkFlagRequired("to")
	}
	return cmd
}

func approvalStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Request counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ApprovalStats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrFields(s, [][2]any{
					{"pending", s.Pending},
					{"escalated", s.Escalated},
					{"approved", s.Approved},
					{"rejected", s.Rejected},
					{"cancelled", s.Cancelled},
					{"expired", s.Expired},
					{"sla breached", s.SLABreached},
					{"total", s.Total},
				})
			})
		},
	}
}

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Inspect approval workflows"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workflows in routing order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wfs, err := e.ListWorkflows()
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(wfs))
				for _, wf := range wfs {
					rows = append(rows, table.Row{wf.ID, wf.Name, fmt.Sprint(wf.Match.RiskLevels), fmt.Sprint(wf.Match.AccessLevels), len(wf.Steps), flagBool(wf.Default)})
				}
				return printJSONOrTable(wfs, table.Row{"ID", "Name", "Risk", "Access", "Steps", "Default"}, rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show workflow steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.GetWorkflow(args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(wf.Steps))
				for i, s := range wf.Steps {
					approver := s.ApproverRole
					if s.ApproverID != "" {
						approver = s.ApproverID
					}
					rows = append(rows, table.Row{i + 1, s.Name, approver, s.SLAHours, s.EscalateToRole})
				}
				return printJSONOrTable(wf, table.Row{"Level", "Step", "Approver", "SLA (h)", "Escalates to"}, rows)
			})
		},
	})
	return cmd
}
