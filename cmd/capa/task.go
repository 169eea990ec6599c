package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"capaflow/internal/domain"
	"capaflow/internal/engine"
	"capaflow/internal/engine/auth"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage stage tasks"}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskGetCmd())
	cmd.AddCommand(taskTransitionCmd("start", "Mark a task in progress", engine.Engine.StartTask))
	cmd.AddCommand(taskTransitionCmd("complete", "Complete a task without advancing the stage", engine.Engine.CompleteTask))
	cmd.AddCommand(taskTransitionCmd("cancel", "Cancel an open task", engine.Engine.CancelTask))
	cmd.AddCommand(taskReassignCmd())
	cmd.AddCommand(taskRescheduleCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	var q engine.TaskQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				items, err := e.ListTasks(ctx, c, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printTasks(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.NonConformityID, "nc", "", "non-conformity id")
	cmd.Flags().StringVar(&q.Status, "status", "", "pending, in_progress, completed, overdue or cancelled")
	cmd.Flags().StringVar(&q.TaskType, "type", "", "task type")
	cmd.Flags().StringVar(&q.ResponsibleUserID, "responsible", "", "responsible user id")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "max rows")
	return cmd
}

func printTasks(items []domain.Task) {
	tw := newTable("ID", "NC", "Type", "Status", "Priority", "Due", "Responsible")
	for _, t := range items {
		tw.AppendRow([]any{t.ID, t.NonConformityID, t.TaskType, t.Status, t.Priority, day(t.DueDate), t.ResponsibleUserID})
	}
	tw.Render()
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				t, err := e.GetTask(ctx, c, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

type taskTransition func(engine.Engine, context.Context, auth.Caller, string) (domain.Task, error)

func taskTransitionCmd(use, short string, fn taskTransition) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				t, err := fn(e, ctx, c, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("task %s %s\n", t.ID, t.Status)
				return nil
			})
		},
	}
}

func taskReassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reassign <id> <user-id>",
		Short: "Change the responsible user of an open task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				t, err := e.ReassignTask(ctx, c, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskRescheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reschedule <id> <due-date>",
		Short: "Move the due date of an open task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			due, err := parseDate(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				t, err := e.RescheduleTask(ctx, c, args[0], due)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}
