package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"elam/internal/app"
	"elam/internal/config"
	"elam/internal/domain"
	"elam/internal/engine"
	"elam/internal/repo"
)

func jsonOutput() bool { return viper.GetBool("json") }

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Show, import or generate elam.yml"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if jsonOutput() {
					return printJSON(e.Config)
				}
				out, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(out)
				return err
			})
		},
	})

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Validate a YAML file and make it the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.Require(ctx, nil, actorID(), "rbac.manage"); err != nil {
					return err
				}
				if err := app.ApplyConfig(ctx, e.DB, cfg, actorID()); err != nil {
					return err
				}
				fmt.Printf("imported %s (%d workflows, %d roles)\n", file, len(cfg.Workflows), len(cfg.RBAC.Roles))
				return nil
			})
		},
	}
	importCmd.Flags().StringVarP(&file, "file", "f", "elam.yml", "config file")
	cmd.AddCommand(importCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a YAML file without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d workflows, %d roles, scan schedule %q\n", len(cfg.Workflows), len(cfg.RBAC.Roles), cfg.ScanSchedule())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(viper.GetString("org")))
			return nil
		},
	})
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Read the audit log"}
	var f repo.AuditFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logs, err := e.ListAuditLogs(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(logs))
				for _, l := range logs {
					rows = append(rows, table.Row{l.ID, l.TS, l.Action, l.ActorID, l.EntityKind + "/" + l.EntityID, l.Outcome, string(l.Details)})
				}
				return printJSONOrTable(logs, table.Row{"ID", "TS", "Action", "Actor", "Entity", "Outcome", "Details"}, rows)
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of entries")
	tail.Flags().StringVar(&f.Action, "action", "", "action filter")
	tail.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity filter")
	tail.Flags().StringVar(&f.Outcome, "outcome", "", "outcome filter (success, denied, failure)")
	cmd.AddCommand(tail)
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "report", Short: "Compliance reports"}

	var kind, from, to string
	var days int
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate a report over a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now().UTC()
			if to != "" {
				t, err := time.Parse(time.RFC3339, to)
				if err != nil {
					return fmt.Errorf("--to: %w", err)
				}
				end = t
			}
			start := end.AddDate(0, 0, -days)
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				start = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.GenerateReport(ctx, engine.ReportOptions{
					Kind:        kind,
					PeriodStart: start.Format(time.RFC3339),
					PeriodEnd:   end.Format(time.RFC3339),
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printReport(rep)
			})
		},
	}
	gen.Flags().StringVar(&kind, "kind", engine.ReportAccessReview, "access_review, sla or segregation_of_duties")
	gen.Flags().StringVar(&from, "from", "", "period start (RFC3339)")
	gen.Flags().StringVar(&to, "to", "", "period end (RFC3339), defaults to now")
	gen.Flags().IntVar(&days, "days", 30, "period length when --from is not set")
	cmd.AddCommand(gen)

	var listKind string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reps, err := e.ListReports(ctx, listKind, limit)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(reps))
				for _, r := range reps {
					rows = append(rows, table.Row{r.ID, r.Kind, r.PeriodStart, r.PeriodEnd, r.GeneratedBy, r.Summary.TotalRequests, len(r.Findings)})
				}
				return printJSONOrTable(reps, table.Row{"ID", "Kind", "From", "To", "By", "Requests", "Findings"}, rows)
			})
		},
	}
	list.Flags().StringVar(&listKind, "kind", "", "kind filter")
	list.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				return printReport(rep)
			})
		},
	})
	return cmd
}

func printReport(rep domain.ComplianceReport) error {
	if jsonOutput() {
		return printJSON(rep)
	}
	s := rep.Summary
	fmt.Printf("%s report %s (%s .. %s)\n", rep.Kind, rep.ID, rep.PeriodStart, rep.PeriodEnd)
	fmt.Printf("requests: %d  sla breaches: %d  avg decision: %.1fh\n", s.TotalRequests, s.SLABreaches, s.AverageDecisionHours)
	rows := make([]table.Row, 0, len(rep.Findings))
	for _, f := range rep.Findings {
		rows = append(rows, table.Row{f.Severity, f.Code, f.RequestID, f.Message})
	}
	return printJSONOrTable(rep, table.Row{"Severity", "Code", "Request", "Message"}, rows)
}

func grantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "grant", Short: "Access grants"}
	var f repo.GrantFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				grants, err := e.ListGrants(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(grants))
				for _, g := range grants {
					rows = append(rows, table.Row{g.ID, g.ActorID, g.ResourceID, g.AccessLevel, g.Status, g.GrantedAt, deref(g.ExpiresAt)})
				}
				return printJSONOrTable(grants, table.Row{"ID", "Actor", "Resource", "Access", "Status", "Granted", "Expires"}, rows)
			})
		},
	}
	list.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	list.Flags().StringVar(&f.ResourceID, "resource", "", "resource filter")
	list.Flags().StringVar(&f.Status, "status", "", "status filter (active, revoked, expired)")
	list.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	cmd.AddCommand(list)

	var reason string
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an active grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.RevokeGrant(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrFields(g, [][2]any{{"id", g.ID}, {"status", g.Status}, {"revoked_by", deref(g.RevokedBy)}, {"revoked_at", deref(g.RevokedAt)}})
			})
		},
	}
	revoke.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.AddCommand(revoke)
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Roles and permissions"}
	for _, grant := range []bool{true, false} {
		grant := grant
		var target, role string
		use, short := "grant", "Grant a role"
		if !grant {
			use, short = "revoke", "Revoke a role"
		}
		sub := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					if grant {
						return e.GrantRole(ctx, actorID(), target, role)
					}
					return e.RevokeRole(ctx, actorID(), target, role)
				})
			},
		}
		sub.Flags().StringVar(&target, "actor", "", "target actor id")
		sub.Flags().StringVar(&role, "role", "", "role id")
		_ = sub.MarkFlagRequired("actor")
		_ = sub.MarkFlagRequired("role")
		cmd.AddCommand(sub)
	}

	var who string
	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Show roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := who
			if target == "" {
				target = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.WhoAmI(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrFields(w, [][2]any{
					{"actor", w.ActorID},
					{"roles", strings.Join(w.Roles, ", ")},
					{"permissions", strings.Join(w.Permissions, ", ")},
				})
			})
		},
	}
	whoami.Flags().StringVar(&who, "actor", "", "actor id (defaults to --actor-id)")
	cmd.AddCommand(whoami)

	cmd.AddCommand(&cobra.Command{
		Use:   "roles",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.ListRoles(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(roles))
				for _, r := range roles {
					rows = append(rows, table.Row{r.ID, r.Description, strings.Join(r.Permissions, ", ")})
				}
				return printJSONOrTable(roles, table.Row{"Role", "Description", "Permissions"}, rows)
			})
		},
	})
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}

	var name, owner string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a key; the plaintext is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, key, err := e.CreateAPIKey(ctx, actorID(), owner, name)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": plain})
				}
				fmt.Printf("id:    %s\nactor: %s\nkey:   %s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().StringVar(&owner, "for", "", "owner actor (requires rbac.manage)")
	cmd.AddCommand(create)

	var listFor string
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := listFor
			if target == "" && !all {
				target = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actorID(), target)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				return printJSONOrTable(keys, table.Row{"ID", "Actor", "Name", "Created"}, rows)
			})
		},
	}
	list.Flags().StringVar(&listFor, "for", "", "owner actor")
	list.Flags().BoolVar(&all, "all", false, "all actors (requires rbac.manage)")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIKey(ctx, actorID(), args[0])
			})
		},
	})
	return cmd
}

func slaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sla", Short: "SLA maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Flag overdue requests, escalate, expire stale requests and grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.TriggerScan(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrFields(res, [][2]any{
					{"breached", strings.Join(res.Breached, ", ")},
					{"escalated", strings.Join(res.Escalated, ", ")},
					{"expired", strings.Join(res.Expired, ", ")},
					{"grants expired", strings.Join(res.GrantsExpired, ", ")},
				})
			})
		},
	})
	return cmd
}
