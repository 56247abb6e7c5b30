package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewLaunchCmd создаёт команду запуска flows из файла.
func NewLaunchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string
	var approve bool
	var async bool

	cmd := &cobra.Command{
		Use:   "launch SESSION_ID",
		Short: "Launch approved flows of a parent session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			flows, err := LoadFlows(file)
			if err != nil {
				return err
			}
			if approve {
				approveAll(flows)
			}

			if async {
				accepted, err := client.LaunchFlowsAsync(args[0], flows)
				if err != nil {
					return err
				}
				out.Success(fmt.Sprintf("Launch queued to %s", accepted.Queue))
				return nil
			}

			resp, err := client.LaunchFlows(args[0], flows)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Started %d of %d flows", resp.Started, len(flows)))

			rows := make([][]string, len(resp.Outcomes))
			for i, o := range resp.Outcomes {
				taskID := ""
				if o.Task != nil {
					taskID = o.Task.TaskID
				}
				rows[i] = []string{o.Flow.Name, o.Status, taskID, o.Error}
			}
			out.Print([]string{"FLOW", "OUTCOME", "TASK_ID", "ERROR"}, rows, resp)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON file with flows")
	cmd.Flags().BoolVar(&approve, "approve", false, "Approve every flow in the file")
	cmd.Flags().BoolVar(&async, "async", false, "Queue the launch through RabbitMQ")
	cmd.MarkFlagRequired("file")

	return cmd
}
