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

	"lawline/internal/app"
	"lawline/internal/config"
	"lawline/internal/domain"
	"lawline/internal/engine"
	"lawline/internal/executor"
	"lawline/internal/lawbook"
	"lawline/internal/ledger"
	"lawline/internal/migrate"
	"lawline/internal/policy"
	"lawline/internal/repo"
	"lawline/internal/server"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create lawline.yml, lawbook.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ws, err := app.Init(cmd.Context(), viper.GetString("workspace"), force, appOptions(logger))
			if err != nil {
				return err
			}
			defer ws.Close()
			schema, err := migrate.Version(cmd.Context(), ws.DB)
			if err != nil {
				return err
			}
			active := ws.Engine.Policies.Active()
			out := map[string]any{
				"schema_version": schema,
				"workspace":      ws.Dir,
				"config":         config.Path(ws.Dir),
				"lawbook":        ws.Config.LawbookPath(ws.Dir),
				"lawbook_active": "",
			}
			if active != nil {
				out["lawbook_active"] = active.ID
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("Initialized workspace %s (schema v%d)\n", ws.Dir, schema)
			fmt.Printf("Active lawbook: %s\n", orDash(fmt.Sprint(out["lawbook_active"])))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config and lawbook files")
	return cmd
}

func issueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "issue", Short: "Manage issues"}
	cmd.AddCommand(issueCreateCmd())
	cmd.AddCommand(issueShowCmd())
	cmd.AddCommand(issueListCmd())
	return cmd
}

func issueCreateCmd() *cobra.Command {
	var id, title, externalRef string
	var evidence []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an issue at intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				is, err := ws.Engine.CreateIssue(ctx, engine.IssueCreateOptions{
					ID:          id,
					Title:       title,
					ExternalRef: externalRef,
					Evidence:    evidence,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(is)
				}
				tw := newTable(table.Row{"ID", "Title", "State", "External Ref", "Created"})
				tw.AppendRow(table.Row{is.ID, is.Title, is.State, orDash(is.ExternalRef), is.CreatedAt})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "issue id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "issue title")
	cmd.Flags().StringVar(&externalRef, "external-ref", "", "external tracker reference")
	cmd.Flags().StringSliceVar(&evidence, "evidence", nil, "intake evidence references")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func issueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <issue-id>",
		Short: "Show an issue with its step history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				is, err := ws.Engine.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(is)
				}
				fmt.Printf("Issue: %s (%s)\n", is.ID, is.Title)
				fmt.Printf("State: %s", is.State)
				if is.HeldFrom != "" {
					fmt.Printf(" (held from %s)", is.HeldFrom)
				}
				fmt.Printf("\nVersion: %d\n", is.Version)
				tw := newTable(table.Row{"Step", "Attempt", "Verdict", "From", "To", "Blocked", "Decision", "At"})
				for _, o := range is.History {
					tw.AppendRow(table.Row{o.Step, o.Attempt, o.Verdict, o.FromState, o.ToState, o.Blocked, orDash(o.DecisionID), o.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func issueListCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if state != "" && !domain.State(state).Valid() {
					return fmt.Errorf("invalid state %q", state)
				}
				items, err := ws.Engine.ListIssues(ctx, repo.IssueFilters{State: domain.State(state), Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "State", "Last Verdict", "Updated"})
				for _, is := range items {
					tw.AppendRow(table.Row{is.ID, is.Title, is.State, is.LastVerdict, is.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum issues")
	return cmd
}

func advanceCmd() *cobra.Command {
	var step, verdict, reason string
	var evidence []string
	var actionCtx map[string]string
	cmd := &cobra.Command{
		Use:   "advance <issue-id>",
		Short: "Run a lifecycle step and apply its verdict",
		Long: `Runs the configured command for the step, or records --verdict when the step
ran elsewhere. A policy denial is reported, not treated as an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				req := engine.AdvanceRequest{
					IssueID:     args[0],
					Step:        domain.StepID(strings.ToUpper(step)),
					ActorID:     viper.GetString("actor-id"),
					Environment: viper.GetString("environment"),
					Context:     actionCtx,
				}
				if verdict != "" {
					v, err := domain.ParseVerdict(strings.ToUpper(verdict))
					if err != nil {
						return err
					}
					req.Executor = executor.StepFunc(func(ctx context.Context, _ executor.StepRequest) (executor.StepResult, error) {
						return executor.StepResult{Verdict: v, Evidence: evidence, Reason: reason}, ctx.Err()
					})
				}
				res, err := ws.Engine.Advance(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s %s: %s -> %s (%s)\n", res.Issue.ID, req.Step, res.Outcome.FromState, res.Issue.State, res.Verdict)
				if res.Decision != nil {
					fmt.Printf("Policy: %s %s (%s)\n", res.Decision.Effect, res.Decision.ActionType, res.Decision.ReasonCode)
				}
				if res.Blocked {
					fmt.Printf("Blocked: %s\n", res.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&step, "step", "", "step to run (S2..S5)")
	cmd.Flags().StringVar(&verdict, "verdict", "", "report a verdict instead of running the step command")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with a reported verdict")
	cmd.Flags().StringSliceVar(&evidence, "evidence", nil, "evidence references for a reported verdict")
	cmd.Flags().StringToStringVar(&actionCtx, "ctx", nil, "action context key=value pairs")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage lawbooks and evaluate actions"}
	cmd.AddCommand(policyPublishCmd())
	cmd.AddCommand(policyActivateCmd())
	cmd.AddCommand(policyActiveCmd())
	cmd.AddCommand(policyVersionsCmd())
	cmd.AddCommand(policyEvaluateCmd())
	return cmd
}

func policyPublishCmd() *cobra.Command {
	var activate bool
	cmd := &cobra.Command{
		Use:   "publish <file>",
		Short: "Publish a lawbook file (yaml, toml or json)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lb, err := lawbook.ParseFile(args[0])
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				meta, created, err := ws.Engine.PublishLawbook(ctx, lb, viper.GetString("actor-id"), args[0], activate)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": meta, "created": created})
				}
				if created {
					fmt.Printf("Published %s (%d rules)\n", meta.ID, meta.RuleCount)
				} else {
					fmt.Printf("Already published as %s\n", meta.ID)
				}
				if activate {
					fmt.Println("Active.")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activate, "activate", false, "make the version active")
	return cmd
}

func policyActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <version-id>",
		Short: "Activate a published lawbook version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				changed, err := ws.Engine.ActivatePolicyVersion(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version_id": args[0], "changed": changed})
				}
				if changed {
					fmt.Printf("Activated %s\n", args[0])
				} else {
					fmt.Printf("%s is already active\n", args[0])
				}
				return nil
			})
		},
	}
}

func policyActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Show the active lawbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				v := ws.Engine.Policies.Active()
				if v == nil {
					return fmt.Errorf("no active lawbook")
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": v.Meta, "rules": v.Lawbook.Rules})
				}
				fmt.Printf("Version: %s (source %s)\n", v.ID, orDash(v.Meta.Source))
				printRules(v)
				return nil
			})
		},
	}
}

func printRules(v *policy.Version) {
	tw := newTable(table.Row{"Action", "Environments", "Approval", "Cooldown", "Rate Limit", "Key"})
	for _, at := range v.Lawbook.ActionTypes() {
		r := v.Lawbook.Rules[at]
		rate := "-"
		if r.MaxRunsPerWindow > 0 {
			rate = fmt.Sprintf("%d/%ds", r.MaxRunsPerWindow, r.WindowSeconds)
		}
		tw.AppendRow(table.Row{
			at,
			strings.Join(r.AllowedEnvironments, ","),
			r.RequireApproval,
			fmt.Sprintf("%ds", r.CooldownSeconds),
			rate,
			strings.Join(r.IdempotencyKey, ","),
		})
	}
	tw.Render()
}

func policyVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List published lawbook versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Policies.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Active", "Rules", "Source", "Published By", "Created"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.ID, v.Active, v.RuleCount, orDash(v.Source), v.PublishedBy, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func policyEvaluateCmd() *cobra.Command {
	var actionType, issueID string
	var actionCtx map[string]string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate an action against the active lawbook",
		Long:  "The decision is persisted in the ledger like any other evaluation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				d, err := ws.Engine.EvaluatePolicy(ctx, policy.Request{
					ActionType:  domain.ActionType(actionType),
					Context:     actionCtx,
					Environment: viper.GetString("environment"),
					IssueID:     issueID,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("%s %s in %s: %s\n", d.Effect, d.ActionType, d.Environment, d.Reason)
				fmt.Printf("Reason code: %s\n", d.ReasonCode)
				if d.NextAllowedAt != "" {
					fmt.Printf("Next allowed at: %s\n", d.NextAllowedAt)
				}
				if d.Fingerprint != "" {
					fmt.Printf("Fingerprint: %s\n", d.Fingerprint)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actionType, "action", "", "action type")
	cmd.Flags().StringVar(&issueID, "issue", "", "issue the evaluation belongs to")
	cmd.Flags().StringToStringVar(&actionCtx, "ctx", nil, "action context key=value pairs")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func approveCmd() *cobra.Command {
	var actionType, fp, note string
	var ttl time.Duration
	var actionCtx map[string]string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve an action fingerprint",
		Long:  "Without --fingerprint the fingerprint is computed from --action, --ctx and the environment under the active lawbook.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				a, err := ws.Engine.GrantApproval(ctx, engine.ApprovalOptions{
					ActionType:  domain.ActionType(actionType),
					Fingerprint: fp,
					Context:     actionCtx,
					Environment: viper.GetString("environment"),
					ApproverID:  viper.GetString("actor-id"),
					Note:        note,
					TTL:         ttl,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				tw := newTable(table.Row{"ID", "Action", "Fingerprint", "Approver", "Expires"})
				tw.AppendRow(table.Row{a.ID, a.ActionType, a.Fingerprint, a.ApproverID, orDash(a.ExpiresAt)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actionType, "action", "", "action type")
	cmd.Flags().StringVar(&fp, "fingerprint", "", "action fingerprint from a DENY decision")
	cmd.Flags().StringVar(&note, "note", "", "approval note")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "approval lifetime (0 never expires)")
	cmd.Flags().StringToStringVar(&actionCtx, "ctx", nil, "action context key=value pairs")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func approvalsCmd() *cobra.Command {
	var fp string
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List recorded approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.ListApprovals(ctx, fp)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Action", "Fingerprint", "Approver", "Expires", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.ActionType, a.Fingerprint, a.ApproverID, orDash(a.ExpiresAt), a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&fp, "fingerprint", "", "filter by fingerprint")
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Inspect decisions, outcomes and events"}
	cmd.AddCommand(ledgerDecisionsCmd())
	cmd.AddCommand(ledgerOutcomesCmd())
	cmd.AddCommand(ledgerEventsCmd())
	return cmd
}

func ledgerDecisionsCmd() *cobra.Command {
	var issueID, actionType, effect, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List policy decisions, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ledger.ParseCursor(cursor)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				page, err := ws.Engine.Ledger.ListDecisions(ctx, ledger.DecisionFilter{
					IssueID:    issueID,
					ActionType: domain.ActionType(actionType),
					Effect:     domain.Effect(strings.ToUpper(effect)),
					Cursor:     c,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": page.Items, "next_cursor": page.NextCursor})
				}
				tw := newTable(table.Row{"ID", "Action", "Effect", "Reason Code", "Env", "Issue", "At"})
				for _, d := range page.Items {
					tw.AppendRow(table.Row{d.ID, d.ActionType, d.Effect, d.ReasonCode, d.Environment, orDash(d.IssueID), d.CreatedAt})
				}
				tw.Render()
				printCursor(page.NextCursor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&issueID, "issue", "", "filter by issue")
	cmd.Flags().StringVar(&actionType, "action", "", "filter by action type")
	cmd.Flags().StringVar(&effect, "effect", "", "filter by effect (ALLOW or DENY)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this cursor")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	return cmd
}

func ledgerOutcomesCmd() *cobra.Command {
	var issueID, step, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "outcomes",
		Short: "List step outcomes, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ledger.ParseCursor(cursor)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				page, err := ws.Engine.Ledger.ListOutcomes(ctx, ledger.OutcomeFilter{
					IssueID: issueID,
					Step:    domain.StepID(strings.ToUpper(step)),
					Cursor:  c,
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": page.Items, "next_cursor": page.NextCursor})
				}
				tw := newTable(table.Row{"Issue", "Step", "Attempt", "Verdict", "From", "To", "Blocked", "At"})
				for _, o := range page.Items {
					tw.AppendRow(table.Row{o.IssueID, o.Step, o.Attempt, o.Verdict, o.FromState, o.ToState, o.Blocked, o.CreatedAt})
				}
				tw.Render()
				printCursor(page.NextCursor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&issueID, "issue", "", "filter by issue")
	cmd.Flags().StringVar(&step, "step", "", "filter by step")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this cursor")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	return cmd
}

func ledgerEventsCmd() *cobra.Command {
	var evtType, entityKind, entityID string
	var after int64
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				events, err := ws.Engine.Ledger.ListEvents(ctx, ledger.EventFilter{
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					AfterID:    after,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "Type", "Entity", "Actor", "At"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().Int64Var(&after, "after", 0, "continue after this event id")
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect lawline.yml"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate lawline.yml and the lawbook file it names",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if path := cfg.LawbookPath(workspace); path != "" {
				if _, err := lawbook.ParseFile(path); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			fmt.Println("Config is valid.")
			return nil
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("LAWLINE_JWT_SECRET or --jwt-secret is required")
			}
			token, err := server.SignToken(secret, viper.GetString("actor-id"), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	return cmd
}
