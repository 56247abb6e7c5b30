package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var taskHeaders = []string{"TASK_ID", "FLOW", "STATUS", "PROGRESS", "CURRENT_URL", "LIVE_VIEW"}

func taskRow(t TaskResponse) []string {
	return []string{t.TaskID, t.FlowName, t.Status, strconv.Itoa(t.Progress), t.CurrentURL, t.LiveViewURL}
}

func taskRows(tasks []TaskResponse) [][]string {
	rows := make([][]string, len(tasks))
	for i, t := range tasks {
		rows[i] = taskRow(t)
	}
	return rows
}

// NewTaskCmd создаёт группу команд для управления task sessions.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage task sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel TASK_ID",
		Short: "Stop a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			task, err := client.CancelTask(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Task cancelled: %s", task.TaskID))
			out.Print(taskHeaders, [][]string{taskRow(*task)}, task)
			return nil
		},
	})

	return cmd
}
