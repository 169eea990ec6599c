package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"capaflow/internal/domain"
	"capaflow/internal/engine"
	"capaflow/internal/engine/auth"
)

func ncCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "nc", Short: "Manage non-conformities"}
	cmd.AddCommand(ncCreateCmd())
	cmd.AddCommand(ncGetCmd())
	cmd.AddCommand(ncListCmd())
	cmd.AddCommand(ncPatchCmd())
	cmd.AddCommand(ncAdvanceCmd())
	cmd.AddCommand(ncEvaluateCmd())
	cmd.AddCommand(ncRevisionsCmd())
	return cmd
}

func ncCreateCmd() *cobra.Command {
	var d engine.NCDraft
	var detected, due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a non-conformity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if detected == "" {
				detected = time.Now().UTC().Format("2006-01-02")
			}
			at, err := parseDate(detected)
			if err != nil {
				return err
			}
			d.DetectedDate = &at
			if d.DueDate, err = optionalDate(due); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				nc, err := e.CreateNonConformity(ctx, c, d)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nc)
				}
				fmt.Printf("%s  %s  stage %d (%s)\n", nc.NCNumber, nc.ID, nc.CurrentStage, nc.CurrentStage)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&d.Title, "title", "", "title")
	cmd.Flags().StringVar(&d.Description, "description", "", "description")
	cmd.Flags().StringVar(&d.Category, "category", "", "category")
	cmd.Flags().StringVar(&d.Severity, "severity", "", "severity (low, medium, high, critical)")
	cmd.Flags().StringVar(&d.Source, "source", "", "where the problem was detected")
	cmd.Flags().StringVar(&d.ResponsibleUserID, "responsible", "", "responsible user id")
	cmd.Flags().StringVar(&detected, "detected", "", "detection date (default today)")
	cmd.Flags().StringVar(&due, "due", "", "overall due date")
	return cmd
}

func ncGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a non-conformity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				nc, err := e.GetNonConformity(ctx, c, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nc)
				}
				printNC(nc)
				return nil
			})
		},
	}
}

func printNC(nc domain.NonConformity) {
	tw := newTable("Field", "Value")
	tw.AppendRow([]any{"id", nc.ID})
	tw.AppendRow([]any{"number", nc.NCNumber})
	tw.AppendRow([]any{"title", nc.Title})
	tw.AppendRow([]any{"category", nc.Category})
	tw.AppendRow([]any{"severity", nc.Severity})
	tw.AppendRow([]any{"status", nc.Status})
	tw.AppendRow([]any{"stage", fmt.Sprintf("%d %s", nc.CurrentStage, nc.CurrentStage)})
	tw.AppendRow([]any{"detected", day(nc.DetectedDate)})
	tw.AppendRow([]any{"due", dayPtr(nc.DueDate)})
	tw.AppendRow([]any{"responsible", nc.ResponsibleUserID})
	if nc.ParentNonConformityID != nil {
		tw.AppendRow([]any{"parent", *nc.ParentNonConformityID})
	}
	for i, at := range nc.StageCompletedAt {
		if at != nil {
			tw.AppendRow([]any{fmt.Sprintf("stage %d done", i+1), at.UTC().Format(time.RFC3339)})
		}
	}
	tw.Render()
}

func ncListCmd() *cobra.Command {
	var q engine.NCQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List non-conformities, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				items, err := e.ListNonConformities(ctx, c, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Number", "ID", "Title", "Severity", "Status", "Stage", "Responsible")
				for _, nc := range items {
					tw.AppendRow([]any{nc.NCNumber, nc.ID, nc.Title, nc.Severity, nc.Status, int(nc.CurrentStage), nc.ResponsibleUserID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&q.Stage, "stage", 0, "current stage filter")
	cmd.Flags().StringVar(&q.Severity, "severity", "", "severity filter")
	cmd.Flags().StringVar(&q.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&q.ParentID, "parent", "", "only revisions of this NC")
	cmd.Flags().StringVar(&q.ResponsibleUserID, "responsible", "", "responsible user filter")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "max rows")
	return cmd
}

func ncPatchCmd() *cobra.Command {
	var data, file string
	cmd := &cobra.Command{
		Use:   "patch <id>",
		Short: "Update descriptive fields from a JSON object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(data)
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				raw = b
			}
			if strings.TrimSpace(string(raw)) == "" {
				return fmt.Errorf("--data or --file is required")
			}
			p, err := engine.DecodeNCPatch(raw)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				nc, err := e.PatchNonConformity(ctx, c, args[0], p)
				if err != nil {
					return err
				}
				return printJSONOrTable(nc)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", `patch JSON, e.g. '{"title":"..."}'`)
	cmd.Flags().StringVar(&file, "file", "", "read patch JSON from file")
	return cmd
}

func ncAdvanceCmd() *cobra.Command {
	var expected int
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Move a non-conformity from --expected to the next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				res, err := e.AdvanceStage(ctx, c, args[0], domain.Stage(expected))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s now at stage %d (%s); task %s due %s\n",
					res.NonConformity.NCNumber, res.NonConformity.CurrentStage, res.NonConformity.CurrentStage,
					res.NextTask.ID, day(res.NextTask.DueDate))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&expected, "expected", 0, "stage the caller believes is current")
	_ = cmd.MarkFlagRequired("expected")
	return cmd
}

func ncEvaluateCmd() *cobra.Command {
	var in engine.EvaluationInput
	var effective, notEffective bool
	var postpone string
	cmd := &cobra.Command{
		Use:   "evaluate <id>",
		Short: "Record the effectiveness verdict or postpone it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case effective && notEffective:
				return fmt.Errorf("--effective and --not-effective are exclusive")
			case effective:
				v := true
				in.IsEffective = &v
			case notEffective:
				v := false
				in.IsEffective = &v
			}
			var err error
			if in.PostponedTo, err = optionalDate(postpone); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				res, err := e.EvaluateEffectiveness(ctx, c, args[0], in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				nc := res.NonConformity
				switch {
				case res.Revision != nil:
					fmt.Printf("%s not effective; revision %s opened at stage %d\n", nc.NCNumber, res.Revision.NCNumber, res.Revision.CurrentStage)
				case nc.Status == domain.NCStatusClosed:
					fmt.Printf("%s closed\n", nc.NCNumber)
				default:
					fmt.Printf("%s evaluation postponed to %s\n", nc.NCNumber, dayPtr(res.Evaluation.PostponedTo))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&effective, "effective", false, "actions were effective")
	cmd.Flags().BoolVar(&notEffective, "not-effective", false, "actions were not effective")
	cmd.Flags().StringVar(&postpone, "postpone", "", "postpone the evaluation to this date")
	cmd.Flags().StringVar(&in.Evidence, "evidence", "", "evidence")
	cmd.Flags().BoolVar(&in.RequiresRiskUpdate, "risk-update", false, "risk register needs updating")
	cmd.Flags().BoolVar(&in.RequiresSGQChange, "sgq-change", false, "quality management system needs changing")
	return cmd
}

func ncRevisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revisions <id>",
		Short: "List the revisions spawned from a non-conformity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				items, err := e.ListRevisions(ctx, c, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Number", "ID", "Revision", "Status", "Stage")
				for _, nc := range items {
					tw.AppendRow([]any{nc.NCNumber, nc.ID, nc.RevisionNumber, nc.Status, int(nc.CurrentStage)})
				}
				tw.Render()
				return nil
			})
		},
	}
}
