package main

import (
	"context"
	"fmt"
	"time"

	omnibox "github.com/omniboxhq/omnibox-go"
	"github.com/spf13/cobra"
)

var (
	sendMediaURL  string
	sendMediaType string
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendMediaURL, "media-url", "", "URL of an uploaded media attachment")
	sendCmd.Flags().StringVar(&sendMediaType, "media-type", "", "MIME type of the attachment")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message into a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, client, err := newSessionAndClient()
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var media *omnibox.MediaRef
		if sendMediaURL != "" {
			media = &omnibox.MediaRef{URL: sendMediaURL, Type: sendMediaType}
		}

		msg, err := client.Messages.Send(ctx, args[0], args[1], media)
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s (%s)\n", msg.ID, msg.Status)
		return nil
	},
}
