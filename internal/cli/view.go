package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
)

// NewViewCmd создаёт команду вывода проекции активной сессии.
func NewViewCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Show tasks of the active parent session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			view, err := client.GetView()
			if err != nil {
				return err
			}

			if view.ParentSessionID == "" || view.ParentSessionID == "00000000-0000-0000-0000-000000000000" {
				out.Success("No active session")
			}
			out.Print(taskHeaders, taskRows(view.Tasks), view)
			return nil
		},
	}
}

// NewStatsCmd создаёт команду вывода состояния оркестратора.
func NewStatsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show orchestrator state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			stats, err := client.Stats()
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			rows := make([][]string, len(keys))
			for i, k := range keys {
				rows[i] = []string{k, fmt.Sprint(stats[k])}
			}
			out.Print([]string{"KEY", "VALUE"}, rows, stats)
			return nil
		},
	}
}

// NewWatchCmd создаёт команду, которая печатает изменения проекции до Ctrl+C.
func NewWatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var heartbeats bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream task updates of the active parent session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return client.WatchView(ctx, func(ev ViewEvent) error {
				if ev.Type == "heartbeat" && !heartbeats {
					return nil
				}
				out.Event(ev)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&heartbeats, "heartbeats", false, "Print heartbeat events")

	return cmd
}
