package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentstate/pkg/session"
)

// addSessionCommands adds the session store commands
func (app *App) addSessionCommands(rootCmd *cobra.Command) {
	var statusFilter string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List session headers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			headers, err := rt.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if statusFilter != "" {
				headers = headers.WithStatus(session.Status(statusFilter))
			}
			return writeHeaders(cmd.OutOrStdout(), headers)
		},
	}
	listCmd.Flags().StringVar(&statusFilter, "status", "", "Only list sessions with this status")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			s, err := rt.GetSession(cmd.Context(), session.SessionID(args[0]))
			if err != nil {
				return err
			}
			raw, err := session.MarshalDocument(s, true)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return err
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session and its message log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := app.Runtime(ctx)
			if err != nil {
				return err
			}
			if err := rt.DeleteSession(ctx, session.SessionID(args[0])); err != nil {
				return err
			}
			msgs, err := app.MessageStore()
			if err != nil {
				return err
			}
			if err := msgs.Delete(ctx, args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		},
	}

	var (
		createID     string
		createLabel  string
		createDesc   string
		createPrompt string
	)
	createCmd := &cobra.Command{
		Use:   "create <agent>",
		Short: "Create a new session for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			opts := []session.Option{}
			if createID != "" {
				opts = append(opts, session.WithID(session.SessionID(createID)))
			}
			if createLabel != "" {
				opts = append(opts, session.WithAgentLabel(createLabel))
			}
			s, err := rt.CreateSession(cmd.Context(), session.Definition{
				Name:         args[0],
				Description:  createDesc,
				SystemPrompt: createPrompt,
			}, opts...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), s.ID())
			return err
		},
	}
	createCmd.Flags().StringVar(&createID, "id", "", "Session id (generated when empty)")
	createCmd.Flags().StringVar(&createLabel, "label", "", "Display label (defaults to the agent name)")
	createCmd.Flags().StringVar(&createDesc, "description", "", "Agent description")
	createCmd.Flags().StringVar(&createPrompt, "system-prompt", "", "Agent system prompt")

	statusCmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Set a session's status",
		Long: `Set a session's status through a load, apply and save cycle. A concurrent
writer makes the save fail with a version conflict.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			s, err := rt.Execute(cmd.Context(), session.SessionID(args[0]), session.SetStatus(session.Status(args[1])))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s v%d\n", s.ID(), s.Info.Status, s.Version())
			return err
		},
	}

	var forkID string
	forkCmd := &cobra.Command{
		Use:   "fork <id>",
		Short: "Copy a session into a new session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			var opts []session.Option
			if forkID != "" {
				opts = append(opts, session.WithID(session.SessionID(forkID)))
			}
			s, err := rt.ForkSession(cmd.Context(), session.SessionID(args[0]), opts...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), s.ID())
			return err
		},
	}
	forkCmd.Flags().StringVar(&forkID, "id", "", "Id of the new session (generated when empty)")

	rootCmd.AddCommand(listCmd, showCmd, deleteCmd, createCmd, statusCmd, forkCmd)
}

func writeHeaders(w io.Writer, headers session.InfoList) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("SESSION", "AGENT", "STATUS", "VERSION", "PARENT", "UPDATED")
	for _, h := range headers {
		t.Row(
			string(h.SessionID),
			h.AgentLabel,
			string(h.Status),
			strconv.FormatInt(h.Version, 10),
			string(h.ParentID),
			h.UpdatedAt.Format(time.RFC3339),
		)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
