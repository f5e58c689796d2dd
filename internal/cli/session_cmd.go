package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/recordwise/regent/internal/config"
	"github.com/recordwise/regent/internal/session"
	"github.com/spf13/cobra"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage stored sessions",
	}

	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionInfoCmd())
	cmd.AddCommand(newSessionEndCmd())
	return cmd
}

func newSessionInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <session-id>",
		Short: "Show details for a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := sessionBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			records, err := backend.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, rec := range records {
				if rec.Session.ID != args[0] {
					continue
				}
				sess := rec.Session.Redacted()
				fmt.Printf("Session:  %s\n", sess.ID)
				fmt.Printf("User:     %s (%s)\n", sess.Name, sess.Email)
				fmt.Printf("Status:   %s\n", sess.Status)
				fmt.Printf("Created:  %s\n", sess.CreatedAt.Format(time.RFC3339))
				fmt.Printf("Activity: %s\n", sess.LastActivityAt.Format(time.RFC3339))
				fmt.Printf("Expires:  %s\n", sess.ExpiresAt.Format(time.RFC3339))
				fmt.Printf("Messages: %d\n", len(rec.Conversation))
				if rec.Cache.ConversationSummary != "" {
					fmt.Printf("Summary:  %s\n", rec.Cache.ConversationSummary)
				}
				return nil
			}
			return fmt.Errorf("session %q not found", args[0])
		},
	}
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := sessionBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			records, err := backend.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No stored sessions.")
				return nil
			}

			sort.Slice(records, func(i, j int) bool {
				return records[i].Session.LastActivityAt.After(records[j].Session.LastActivityAt)
			})

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tUSER\tSTATUS\tMESSAGES\tLAST ACTIVITY")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					rec.Session.ID,
					rec.Session.Email,
					rec.Session.Status,
					len(rec.Conversation),
					rec.Session.LastActivityAt.Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		},
	}
}

func newSessionEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "Remove a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := sessionBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := backend.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed session %s\n", args[0])
			return nil
		},
	}
}

// sessionBackend opens the durable backend directly, without the in-memory
// store on top. Fine for offline inspection; the server keeps its own view.
func sessionBackend() (session.Backend, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return nil, err
	}
	return openBackend(cfg, log)
}
