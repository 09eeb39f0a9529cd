package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/jagc/internal/config"
	"github.com/nextlevelbuilder/jagc/internal/store"
	"github.com/nextlevelbuilder/jagc/internal/tasks"
	"github.com/nextlevelbuilder/jagc/internal/threads"
	"github.com/nextlevelbuilder/jagc/internal/workspace"
	"github.com/nextlevelbuilder/jagc/migrations"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(tasksListCmd())
	cmd.AddCommand(tasksAddCmd())
	cmd.AddCommand(tasksDeleteCmd())
	cmd.AddCommand(tasksEnableCmd(true))
	cmd.AddCommand(tasksEnableCmd(false))
	return cmd
}

// openTaskEngine opens the store and builds an engine for one-shot CLI
// operations. The engine is never started, so no run service is needed.
func openTaskEngine() (*tasks.Engine, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if _, err := workspace.Ensure(cfg.WorkspaceDir); err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(context.Background(), migrations.FS()); err != nil {
		st.Close()
		return nil, nil, err
	}
	return tasks.NewEngine(st, nil, slog.Default()), st, nil
}

func tasksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, st, err := openTaskEngine()
			if err != nil {
				return err
			}
			defer st.Close()

			all, err := engine.ListTasks(context.Background())
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Println("no scheduled tasks")
				return nil
			}
			for _, t := range all {
				next := "-"
				if t.NextRunAt != nil {
					next = t.NextRunAt.UTC().Format(time.RFC3339)
				}
				state := "enabled"
				if !t.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s  %-8s  %-8s  next=%s  %s\n",
					t.TaskID, string(t.ScheduleKind), state, next, t.Title)
				if t.LastRunStatus != "" {
					fmt.Printf("    last run: %s", t.LastRunStatus)
					if t.LastErrorMessage != "" {
						fmt.Printf(" (%s)", t.LastErrorMessage)
					}
					fmt.Println()
				}
			}
			return nil
		},
	}
}

func tasksAddCmd() *cobra.Command {
	var (
		title     string
		cronExpr  string
		rruleExpr string
		onceAt    string
		timezone  string
		threadKey string
		deliverTo string
	)
	cmd := &cobra.Command{
		Use:   "add [instructions...]",
		Short: "Create a scheduled task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, st, err := openTaskEngine()
			if err != nil {
				return err
			}
			defer st.Close()

			task := &store.ScheduledTask{
				Title:            title,
				Instructions:     strings.Join(args, " "),
				Timezone:         timezone,
				CreatorThreadKey: threadKey,
			}
			switch {
			case cronExpr != "":
				task.ScheduleKind = store.ScheduleCron
				task.CronExpr = cronExpr
			case rruleExpr != "":
				task.ScheduleKind = store.ScheduleRRule
				task.RRuleExpr = rruleExpr
			case onceAt != "":
				at, err := time.Parse(time.RFC3339, onceAt)
				if err != nil {
					return fmt.Errorf("invalid --at (want RFC3339): %w", err)
				}
				task.ScheduleKind = store.ScheduleOnce
				task.OnceAt = &at
			default:
				return fmt.Errorf("one of --cron, --rrule or --at is required")
			}
			if deliverTo != "" {
				task.Delivery = store.DeliveryTarget{Provider: "telegram", Route: deliverTo}
			}
			if task.Title == "" {
				task.Title = task.Instructions
				if len(task.Title) > 60 {
					task.Title = task.Title[:60]
				}
			}

			if err := engine.CreateTask(context.Background(), task); err != nil {
				return err
			}
			next := "never"
			if task.NextRunAt != nil {
				next = task.NextRunAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("task %s created, next run %s\n", task.TaskID, next)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "short task title")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression, e.g. \"0 9 * * 1-5\"")
	cmd.Flags().StringVar(&rruleExpr, "rrule", "", "RFC 5545 recurrence rule, e.g. \"FREQ=DAILY;BYHOUR=9\"")
	cmd.Flags().StringVar(&onceAt, "at", "", "one-shot time in RFC3339, e.g. 2026-01-02T15:04:05Z")
	cmd.Flags().StringVar(&timezone, "tz", "UTC", "IANA timezone for the schedule")
	cmd.Flags().StringVar(&threadKey, "thread", threads.CLIDefault, "thread key the task's runs execute on")
	cmd.Flags().StringVar(&deliverTo, "deliver-to", "", "telegram thread key to deliver results to")
	return cmd
}

func tasksDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a scheduled task and its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, st, err := openTaskEngine()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := engine.DeleteTask(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("task %s deleted\n", args[0])
			return nil
		},
	}
}

func tasksEnableCmd(enable bool) *cobra.Command {
	verb, short := "enable", "Enable a scheduled task"
	if !enable {
		verb, short = "disable", "Disable a scheduled task without deleting it"
	}
	return &cobra.Command{
		Use:   verb + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, st, err := openTaskEngine()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := engine.SetEnabled(context.Background(), args[0], enable); err != nil {
				return err
			}
			fmt.Printf("task %s %sd\n", args[0], verb)
			return nil
		},
	}
}
