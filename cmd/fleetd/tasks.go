package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/postgres/models"
	"github.com/SiriusScan/go-fleet/fleet/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, run and inspect scan tasks",
}

var (
	flagTaskName    string
	flagTaskTargets []string
	flagTaskHosts   []uint
	flagTaskRegion  string
	flagTaskStatus  string
	flagTaskRun     bool
)

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pending task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			t, err := a.manager.Create(cmd.Context(), task.NewTask{
				Name:    flagTaskName,
				Targets: flagTaskTargets,
				HostIDs: flagTaskHosts,
				Region:  flagTaskRegion,
			})
			if err != nil {
				return err
			}
			if !flagTaskRun {
				return printJSON(t)
			}
			return execute(cmd, a, t.ID)
		})
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Move a pending task to running and print its host assignments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			plan, err := a.manager.Start(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(plan)
		})
	},
}

var taskRunCmd = &cobra.Command{
	Use:   "run ID",
	Short: "Start a pending task, scan on its hosts and ingest the findings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			return execute(cmd, a, id)
		})
	},
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete ID",
	Short: "Mark a running task completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			t, err := a.manager.Complete(cmd.Context(), id, time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(t)
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			tasks, err := a.manager.List(cmd.Context(), fleet.TaskStatus(flagTaskStatus))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tREGION\tHOSTS\tCREATED")
			for _, t := range tasks {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", t.ID, t.Name, t.Status, t.Region, len(t.HostIDs), t.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Print a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			t, err := a.manager.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			history, err := a.events.ForEntity(cmd.Context(), models.EntityTypeTask, strconv.FormatUint(uint64(id), 10), 20)
			if err != nil {
				return err
			}
			return printJSON(struct {
				Task   fleet.ScanTask `json:"task"`
				Events []models.Event `json:"events"`
			}{t, history})
		})
	},
}

var taskProgressCmd = &cobra.Command{
	Use:   "progress ID",
	Short: "Print live progress of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			p, err := a.progress.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(p)
		})
	},
}

func init() {
	taskCreateCmd.Flags().StringVar(&flagTaskName, "name", "", "task name")
	taskCreateCmd.Flags().StringSliceVarP(&flagTaskTargets, "target", "t", nil, "target: address, CIDR or first-last range (repeatable)")
	taskCreateCmd.Flags().UintSliceVar(&flagTaskHosts, "host", nil, "executing host id (repeatable)")
	taskCreateCmd.Flags().StringVar(&flagTaskRegion, "region", "", "finding store region (default: default_region)")
	taskCreateCmd.Flags().BoolVar(&flagTaskRun, "run", false, "run the task right away")
	_ = taskCreateCmd.MarkFlagRequired("name")
	_ = taskCreateCmd.MarkFlagRequired("target")
	_ = taskCreateCmd.MarkFlagRequired("host")

	taskListCmd.Flags().StringVar(&flagTaskStatus, "status", "", "filter by status")

	taskCmd.AddCommand(taskCreateCmd, taskStartCmd, taskRunCmd, taskCompleteCmd, taskListCmd, taskShowCmd, taskProgressCmd)
}

func execute(cmd *cobra.Command, a *app, id uint) error {
	report, err := a.manager.Execute(cmd.Context(), id)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	return report.Err()
}
