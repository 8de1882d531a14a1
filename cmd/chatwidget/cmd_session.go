package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/chatwidget/internal/render"
	"github.com/user/chatwidget/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionClearCmd)
	sessionShowCmd.Flags().Int("limit", 0, "show only the last N messages")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored conversations",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		conversations := conversationStore(cfg)
		transcripts := transcriptStore(cfg)

		ctx := context.Background()
		list, err := conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTHREAD\tPROVIDER\tMESSAGES\tUPDATED\tTITLE")
		for _, c := range list {
			count, err := transcripts.Count(ctx, c.ID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				c.ID,
				c.ThreadID,
				c.Provider,
				count,
				c.UpdatedAt.Format("2006-01-02 15:04:05"),
				c.Title,
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cfg := loadConfig()
		ctx := context.Background()
		id := types.ConversationID(args[0])

		summary, err := conversationStore(cfg).Get(ctx, id)
		if err != nil {
			return err
		}
		records, err := transcriptStore(cfg).Tail(ctx, id, limit)
		if err != nil {
			return fmt.Errorf("read transcript: %w", err)
		}

		conv := &types.Conversation{
			ID:        summary.ID,
			SessionID: summary.SessionID,
			ThreadID:  summary.ThreadID,
			Provider:  summary.Provider,
			Title:     summary.Title,
		}
		for _, rec := range records {
			if rec.Message != nil {
				conv.Messages = append(conv.Messages, rec.Message)
			}
		}

		term := &render.Terminal{}
		fmt.Printf("%s (%s)\n\n", conv.Title, conv.Provider)
		fmt.Println(term.Conversation(conv))

		if counter, err := render.NewCounter(""); err == nil {
			stats := counter.Conversation(conv)
			fmt.Printf("\n%d messages, %d tokens (you %d, assistant %d)\n",
				len(conv.Messages), stats.Total(), stats.UserTokens, stats.AssistantTokens)
		}
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Delete a conversation or all conversations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		conversations := conversationStore(cfg)
		ctx := context.Background()

		if args[0] != "all" {
			if err := conversations.Delete(ctx, types.ConversationID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Conversation %s cleared.\n", args[0])
			return nil
		}

		list, err := conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		for _, c := range list {
			if err := conversations.Delete(ctx, c.ID); err != nil {
				return err
			}
		}
		fmt.Printf("All conversations cleared (%d).\n", len(list))
		return nil
	},
}
