package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	omnibox "github.com/omniboxhq/omnibox-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchNoCache bool
	watchVerbose bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchNoCache, "no-cache", false, "skip the local SQLite cache")
	watchCmd.Flags().BoolVar(&watchVerbose, "verbose", false, "log transport internals")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the inbox live",
	Long:  "Connect the push channel and the poll fallback, then print inbox activity until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := zap.NewNop()
		if watchVerbose {
			logger, err = zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()
		}

		sess, client, err := newSessionAndClient()
		if err != nil {
			return err
		}
		defer sess.Close()

		inboxOpts := []omnibox.InboxOption{omnibox.WithInboxLogger(logger)}
		if !watchNoCache {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cache, err := omnibox.NewSQLiteCache(filepath.Join(dir, "cache.db"))
			if err != nil {
				return fmt.Errorf("cannot open cache: %w", err)
			}
			defer cache.Close()
			inboxOpts = append(inboxOpts, omnibox.WithCache(cache))
		}

		inbox := omnibox.NewInbox(client, inboxOpts...)
		if err := inbox.WarmStart(); err != nil {
			logger.Warn("cache warm start failed", zap.Error(err))
		}

		transport, err := sess.NewTransport(client.BaseURL(), &omnibox.TransportConfig{
			AutoReconnect: true,
		}, omnibox.WithTransportLogger(logger))
		if err != nil {
			return err
		}
		inbox.Attach(transport)

		// Print activity alongside the inbox's own merge handlers.
		transport.OnNewMessage(func(ev omnibox.NewMessageEvent) {
			arrow := "<-"
			if ev.Message.Direction == omnibox.DirectionOut {
				arrow = "->"
			}
			fmt.Printf("%s %s %s: %s\n",
				time.Now().Format("15:04:05"), arrow, ev.ConversationID, truncate(ev.Message.Content, 64))
		})
		transport.OnMessageStatus(func(ev omnibox.MessageStatusEvent) {
			fmt.Printf("%s    %s: message %s is now %s\n",
				time.Now().Format("15:04:05"), ev.ConversationID, ev.MessageID, ev.Status)
		})
		transport.OnTyping(func(ev omnibox.TypingEvent) {
			if ev.IsTyping {
				fmt.Printf("%s    %s: typing…\n", time.Now().Format("15:04:05"), ev.ConversationID)
			}
		})
		transport.OnConnected(func(resumed bool) {
			fmt.Println("push channel connected")
		})
		transport.OnDisconnected(func(code int, reason string) {
			fmt.Printf("push channel lost (%s) — polling keeps the view fresh\n", reason)
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := transport.Connect(ctx); err != nil {
			// Non-fatal: the poll fallback still converges.
			fmt.Printf("push connect failed (%v); continuing with poll only\n", err)
		}

		poller := omnibox.NewPoller(inbox,
			omnibox.WithPollInterval(pollInterval(cfg)),
			omnibox.WithPollLogger(logger))
		if err := poller.Start(); err != nil {
			return err
		}
		defer poller.Stop()

		if err := inbox.Refresh(ctx); err != nil {
			fmt.Printf("initial refresh failed (%v); retrying on the poll interval\n", err)
		}
		fmt.Printf("watching %d conversations, %d unread\n",
			len(inbox.Conversations()), inbox.AggregateUnread())

		<-ctx.Done()
		fmt.Println("\nbye")
		return nil
	},
}
