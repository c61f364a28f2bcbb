package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/storage"
)

var (
	listState string
	listAgent string
	listLimit int
	showJSON  bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored conversation sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions in the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		backend, _, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = backend.Close() }()

		filter := storage.ListFilter{
			AgentID: listAgent,
			Limit:   listLimit,
		}
		if listState != "" {
			filter.States = []conversation.State{conversation.State(listState)}
		}

		sessions, err := backend.ListSessions(ctx, filter)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println(dimStyle.Render("No sessions found."))
			return nil
		}

		fmt.Println(headerStyle.Render(fmt.Sprintf("Sessions (%d)", len(sessions))))
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tAGENTS\tTURNS\tVERSION\tUPDATED\tEXPIRES")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				idStyle.Render(s.ID),
				renderState(s.State),
				len(s.AgentIDs),
				len(s.History),
				s.Version,
				s.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
				s.ExpiresAt.Local().Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		backend, _, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = backend.Close() }()

		sess, err := backend.GetSession(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get session %s: %w", args[0], err)
		}

		if showJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		}

		fmt.Println(headerStyle.Render("Session " + sess.ID))
		fmt.Printf("  State:    %s\n", renderState(sess.State))
		fmt.Printf("  Version:  %d\n", sess.Version)
		fmt.Printf("  Created:  %s\n", sess.CreatedAt.Local().Format(time.RFC3339))
		fmt.Printf("  Updated:  %s\n", sess.UpdatedAt.Local().Format(time.RFC3339))
		fmt.Printf("  Expires:  %s\n", sess.ExpiresAt.Local().Format(time.RFC3339))
		fmt.Printf("  Agents:   %v\n", sess.AgentIDs)
		fmt.Printf("  Turns:    %d\n", len(sess.History))
		for _, turn := range sess.History {
			fmt.Printf("\n  %s %s\n", dimStyle.Render(fmt.Sprintf("[%d]", turn.Sequence)), turn.UserMessage)
			for _, resp := range turn.AgentResponses {
				fmt.Printf("    %s %s\n", idStyle.Render(resp.AgentID+":"), resp.Response)
			}
		}
		return nil
	},
}

func renderState(s conversation.State) string {
	switch s {
	case conversation.StateActive:
		return okStyle.Render(string(s))
	case conversation.StateExpired:
		return warnStyle.Render(string(s))
	default:
		return dimStyle.Render(string(s))
	}
}

func init() {
	sessionsListCmd.Flags().StringVar(&listState, "state", "", "Filter by lifecycle state (active, paused, expired, archived)")
	sessionsListCmd.Flags().StringVar(&listAgent, "agent", "", "Filter by participating agent ID")
	sessionsListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum sessions to list (0 for all)")
	sessionsShowCmd.Flags().BoolVar(&showJSON, "json", false, "Print the raw session JSON")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}
