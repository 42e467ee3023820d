package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	omnibox "github.com/omniboxhq/omnibox-go"
	"github.com/spf13/cobra"
)

var (
	conversationsSearch string
	conversationsLimit  int
	conversationsJSON   bool

	messagesLimit int
	messagesJSON  bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().StringVar(&conversationsSearch, "search", "", "filter by contact or content")
	conversationsCmd.Flags().IntVar(&conversationsLimit, "limit", 50, "maximum conversations to list")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "maximum messages to list")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "output raw JSON")
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List inbox conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, client, err := newSessionAndClient()
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conversations, err := client.Conversations.List(ctx, &omnibox.ListConversationsOptions{
			Search: conversationsSearch,
			Limit:  conversationsLimit,
		})
		if err != nil {
			return err
		}

		if conversationsJSON {
			return json.NewEncoder(os.Stdout).Encode(conversations)
		}

		for _, c := range conversations {
			preview := ""
			if c.LastMessage != nil {
				preview = truncate(c.LastMessage.Content, 48)
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("%-26s %-10s %-8s %s  %s%s\n",
				c.ID, c.ChannelType, formatWhen(c.LastMessageAt), c.ContactName, preview, unread)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "List the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, client, err := newSessionAndClient()
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		messages, err := client.Messages.List(ctx, args[0], messagesLimit)
		if err != nil {
			return err
		}

		if messagesJSON {
			return json.NewEncoder(os.Stdout).Encode(messages)
		}

		for _, m := range messages {
			arrow := "<-"
			if m.Direction == omnibox.DirectionOut {
				arrow = "->"
			}
			fmt.Printf("%s %s [%s] %s\n",
				m.CreatedAt.Local().Format("2006-01-02 15:04"), arrow, m.Status, m.Content)
		}
		return nil
	},
}
