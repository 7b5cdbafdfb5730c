package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentstate/pkg/message"
	"github.com/aixgo-dev/agentstate/pkg/session"
)

// addMessageCommands adds commands over the message tree of a session
func (app *App) addMessageCommands(rootCmd *cobra.Command) {
	var (
		section string
		limit   int
		asJSON  bool
	)
	messagesCmd := &cobra.Command{
		Use:   "messages <id>",
		Short: "Print the messages of a section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.MessageStore()
			if err != nil {
				return err
			}
			msgs, err := store.GetSection(cmd.Context(), args[0], section, limit)
			if err != nil {
				return err
			}
			return writeMessages(cmd.OutOrStdout(), msgs, nil, asJSON)
		},
	}
	messagesCmd.Flags().StringVar(&section, "section", message.SectionMessages, "Section name")
	messagesCmd.Flags().IntVar(&limit, "limit", 0, "Only print the last N messages")
	messagesCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	var to string
	pathCmd := &cobra.Command{
		Use:   "path <id>",
		Short: "Print the root-to-leaf message chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.MessageStore()
			if err != nil {
				return err
			}
			msgs, err := store.Path(cmd.Context(), args[0], to)
			if err != nil {
				return err
			}
			labels, err := store.Labels(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeMessages(cmd.OutOrStdout(), msgs, labels, asJSON)
		},
	}
	pathCmd.Flags().StringVar(&to, "to", "", "End the chain at this message instead of the leaf")
	pathCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	branchCmd := &cobra.Command{
		Use:   "branch <id> <messageId>",
		Short: "Fork the message tree at a message into a new message log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.MessageStore()
			if err != nil {
				return err
			}
			newID, err := store.Fork(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), newID)
			return err
		},
	}

	labelCmd := &cobra.Command{
		Use:   "label <id> <messageId> <label>",
		Short: "Label a message",
		Long: `Label a message. When a session with the same id exists the label is also
recorded in the session's history; otherwise only the message log changes.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := app.MessageStore()
			if err != nil {
				return err
			}
			rt, err := app.Runtime(ctx)
			if err != nil {
				return err
			}
			id, messageID, label := args[0], args[1], args[2]

			ok, err := rt.Repository().Exists(ctx, session.SessionID(id))
			if err != nil {
				return err
			}
			if !ok {
				return store.AddLabel(ctx, id, messageID, label)
			}
			_, err = rt.Execute(ctx, session.SessionID(id), session.WithMessageStore(store,
				func(ctx context.Context, ms message.Store, sid string) error {
					return ms.AddLabel(ctx, sid, messageID, label)
				}))
			return err
		},
	}

	var (
		appendSection string
		appendName    string
	)
	appendCmd := &cobra.Command{
		Use:   "append <id> <role> <content>",
		Short: "Append a message to a session",
		Long: `Append a message to the session's message log and record the resulting
history in the session state in one load, apply and save cycle.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.MessageStore()
			if err != nil {
				return err
			}
			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			msg := message.New(message.Role(args[1]), args[2])
			msg.Name = appendName
			s, err := rt.Execute(cmd.Context(), session.SessionID(args[0]), session.AppendMessages(store, appendSection, msg))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s v%d\n", msg.ID, s.Version())
			return err
		},
	}
	appendCmd.Flags().StringVar(&appendSection, "section", message.SectionMessages, "Section name")
	appendCmd.Flags().StringVar(&appendName, "name", "", "Tool or participant name")

	rootCmd.AddCommand(messagesCmd, pathCmd, branchCmd, labelCmd, appendCmd)
}

func writeMessages(w io.Writer, msgs []message.Message, labels map[string]string, asJSON bool) error {
	if asJSON {
		if msgs == nil {
			msgs = []message.Message{}
		}
		return writeJSON(w, msgs)
	}
	for _, m := range msgs {
		line := fmt.Sprintf("%s [%s] %s", m.ID, m.Role, oneLine(m.Content))
		if l, ok := labels[m.ID]; ok {
			line += fmt.Sprintf(" (%s)", l)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", `\n`)
}
