package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"capaflow/internal/engine"
	"capaflow/internal/engine/auth"
)

func stageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stage", Short: "Record stage payloads"}
	cmd.AddCommand(stageImmediateActionCmd())
	cmd.AddCommand(stageCauseAnalysisCmd())
	cmd.AddCommand(stagePlanAddCmd())
	cmd.AddCommand(stagePlanCompleteCmd())
	cmd.AddCommand(stageShowCmd())
	return cmd
}

func stageImmediateActionCmd() *cobra.Command {
	var in engine.ImmediateActionInput
	var date string
	cmd := &cobra.Command{
		Use:   "immediate-action <nc-id>",
		Short: "Record the stage 2 containment action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if in.ActionDate, err = optionalDate(date); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				ia, err := e.SubmitImmediateAction(ctx, c, args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(ia)
			})
		},
	}
	cmd.Flags().StringVar(&in.Description, "description", "", "what was done")
	cmd.Flags().StringVar(&in.ResponsibleUserID, "responsible", "", "responsible user id")
	cmd.Flags().StringVar(&date, "date", "", "action date")
	cmd.Flags().StringVar(&in.Evidence, "evidence", "", "evidence")
	return cmd
}

func stageCauseAnalysisCmd() *cobra.Command {
	var in engine.CauseAnalysisInput
	var ishikawa []string
	cmd := &cobra.Command{
		Use:   "cause-analysis <nc-id>",
		Short: "Record the stage 3 root cause analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, entry := range ishikawa {
				category, item, ok := strings.Cut(entry, "=")
				if !ok || strings.TrimSpace(category) == "" {
					return fmt.Errorf("invalid --ishikawa %q: use category=cause", entry)
				}
				if in.Ishikawa == nil {
					in.Ishikawa = map[string][]string{}
				}
				category = strings.TrimSpace(category)
				in.Ishikawa[category] = append(in.Ishikawa[category], strings.TrimSpace(item))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				ca, err := e.SubmitCauseAnalysis(ctx, c, args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(ca)
			})
		},
	}
	cmd.Flags().StringVar(&in.Method, "method", "", "root_cause, ishikawa or five_whys")
	cmd.Flags().StringVar(&in.RootCause, "root-cause", "", "root cause statement")
	cmd.Flags().StringArrayVar(&in.FiveWhys, "why", nil, "one answer of the five whys (repeatable)")
	cmd.Flags().StringArrayVar(&ishikawa, "ishikawa", nil, "category=cause (repeatable)")
	return cmd
}

func stagePlanAddCmd() *cobra.Command {
	var in engine.PlanItemInput
	var deadline string
	cmd := &cobra.Command{
		Use:   "plan-add <nc-id>",
		Short: "Add an action plan item (stage 4)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if in.Deadline, err = optionalDate(deadline); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				item, err := e.AddActionPlanItem(ctx, c, args[0], in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(item)
				}
				fmt.Printf("plan item %s #%d due %s\n", item.ID, item.Position, day(item.Deadline))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Action, "action", "", "action to take")
	cmd.Flags().StringVar(&in.Kind, "kind", "corrective", "corrective or preventive")
	cmd.Flags().StringVar(&in.ResponsibleUserID, "responsible", "", "responsible user id")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline")
	return cmd
}

func stagePlanCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan-complete <nc-id> <item-id>",
		Short: "Mark an action plan item done (stage 5)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				item, err := e.CompleteActionPlanItem(ctx, c, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func stageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <nc-id>",
		Short: "Show every stage record of a non-conformity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				recs, err := e.GetStageRecords(ctx, c, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable("Stage", "Record")
				if recs.ImmediateAction != nil {
					tw.AppendRow([]any{"immediate_action", recs.ImmediateAction.Description})
				}
				if recs.CauseAnalysis != nil {
					tw.AppendRow([]any{"cause_analysis", fmt.Sprintf("[%s] %s", recs.CauseAnalysis.Method, recs.CauseAnalysis.RootCause)})
				}
				for _, item := range recs.ActionPlan {
					tw.AppendRow([]any{"planning", fmt.Sprintf("#%d %s (%s, %s, due %s)", item.Position, item.Action, item.Kind, item.Status, day(item.Deadline))})
				}
				if ev := recs.Effectiveness; ev != nil {
					verdict := "pending"
					if ev.IsEffective != nil && *ev.IsEffective {
						verdict = "effective"
					} else if ev.IsEffective != nil {
						verdict = "not effective"
					}
					tw.AppendRow([]any{"effectiveness", verdict})
				}
				tw.Render()
				return nil
			})
		},
	}
}
