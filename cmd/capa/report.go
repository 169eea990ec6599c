package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"capaflow/internal/engine"
	"capaflow/internal/engine/auth"
	"capaflow/internal/sla"
)

func slaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sla",
		Short: "Deadline compliance of open tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				rep, err := e.SLAReport(ctx, c)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				printSLA(rep)
				return nil
			})
		},
	}
}

func printSLA(rep sla.Report) {
	tw := newTable("Bucket", "Tasks", "%")
	tw.AppendRow([]any{"on time", rep.Counts.OnTime, fmt.Sprintf("%.1f", rep.Percentages.OnTime)})
	tw.AppendRow([]any{"due soon", rep.Counts.DueSoon, fmt.Sprintf("%.1f", rep.Percentages.DueSoon)})
	tw.AppendRow([]any{"due today", rep.Counts.DueToday, fmt.Sprintf("%.1f", rep.Percentages.DueToday)})
	tw.AppendRow([]any{"overdue", rep.Counts.Overdue, fmt.Sprintf("%.1f", rep.Percentages.Overdue)})
	tw.AppendFooter([]any{"total", rep.Counts.Total, ""})
	tw.Render()
	if len(rep.MostOverdue) == 0 {
		return
	}
	late := newTable("Task", "NC", "Type", "Due", "Days late", "Responsible")
	for _, it := range rep.MostOverdue {
		late.AppendRow([]any{it.TaskID, it.NonConformityID, it.TaskType, day(it.DueDate), it.DaysOverdue, it.ResponsibleUserID})
	}
	late.Render()
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Counts by status, stage and severity plus the monthly trend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				stats, err := e.DashboardStats(ctx, c)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("total %d  open %d  closed %d  superseded %d\n", stats.Total, stats.Open, stats.Closed, stats.Superseded)
				stages := newTable("Stage", "Name", "Open")
				for _, sc := range stats.OpenByStage {
					stages.AppendRow([]any{sc.Stage, sc.Name, sc.Count})
				}
				stages.Render()
				sev := newTable("Severity", "Open")
				for _, sc := range stats.OpenBySeverity {
					sev.AppendRow([]any{sc.Severity, sc.Count})
				}
				sev.Render()
				trend := newTable("Month", "Opened", "Closed")
				for _, p := range stats.Trend {
					trend.AppendRow([]any{p.Month, p.Opened, p.Closed})
				}
				trend.Render()
				printSLA(stats.SLA)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var q engine.EventQuery
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				events, err := e.ListEvents(ctx, c, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Payload")
				for _, evt := range events {
					tw.AppendRow([]any{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&q.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&q.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&q.EntityID, "entity-id", "", "entity id")
	return cmd
}
