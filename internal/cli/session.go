package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewSessionCmd создаёт группу команд для управления parent sessions.
func NewSessionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage parent sessions",
	}

	cmd.AddCommand(
		newSessionListCmd(clientFn, outputFn),
		newSessionCreateCmd(clientFn, outputFn),
		newSessionShowCmd(clientFn, outputFn),
		newSessionTasksCmd(clientFn, outputFn),
		newSessionActivateCmd(clientFn, outputFn),
	)

	return cmd
}

var sessionHeaders = []string{"ID", "NAME", "STATUS", "FLOWS", "CREATED"}

func sessionRow(s SessionResponse) []string {
	return []string{
		s.ID,
		s.Name,
		s.Status,
		fmt.Sprintf("%d/%d", s.CompletedFlows, s.TotalFlows),
		s.CreatedAt,
	}
}

func newSessionListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List parent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			sessions, err := client.ListSessions(limit)
			if err != nil {
				return err
			}

			rows := make([][]string, len(sessions))
			for i, s := range sessions {
				rows[i] = sessionRow(s)
			}

			out.Print(sessionHeaders, rows, sessions)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newSessionCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req CreateSessionRequest

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new parent session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req.Name = args[0]
			session, err := client.CreateSession(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Session created: %s", session.ID))
			out.Print(sessionHeaders, [][]string{sessionRow(*session)}, session)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Prompt, "prompt", "", "Prompt the flows were generated from")
	cmd.Flags().StringVar(&req.WebsiteURL, "url", "", "Website under test")

	return cmd
}

func newSessionShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show parent session details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			session, err := client.GetSession(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "NAME", "STATUS", "FLOWS", "WEBSITE", "UPDATED"},
				[][]string{{
					session.ID,
					session.Name,
					session.Status,
					fmt.Sprintf("%d/%d", session.CompletedFlows, session.TotalFlows),
					session.WebsiteURL,
					session.UpdatedAt,
				}},
				session,
			)
			return nil
		},
	}
}

func newSessionTasksCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks ID",
		Short: "List task sessions of a parent session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tasks, err := client.ListSessionTasks(args[0])
			if err != nil {
				return err
			}

			out.Print(taskHeaders, taskRows(tasks), tasks)
			return nil
		},
	}
}

func newSessionActivateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "activate ID",
		Short: "Make a parent session the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			res, err := client.ActivateSession(args[0])
			if err != nil {
				return err
			}

			if res.Partial {
				out.Success("Session activated from local state, the store is unavailable")
			} else {
				out.Success(fmt.Sprintf("Session activated: %s", res.ParentSessionID))
			}
			out.Print(
				[]string{"PARENT_SESSION", "TASKS", "ATTACHED", "STOPPED"},
				[][]string{{res.ParentSessionID, strconv.Itoa(res.Tasks), strconv.Itoa(res.Attached), strconv.Itoa(res.Stopped)}},
				res,
			)
			return nil
		},
	}
}
