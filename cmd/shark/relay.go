package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/groupchat/internal/pubsub"
	"github.com/zulandar/groupchat/internal/relay"
)

// sendGrace is how long relay send waits for trailing events after the
// pipeline returns.
const sendGrace = 2 * time.Second

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Bot relay commands",
	}

	cmd.AddCommand(newRelaySendCmd())
	return cmd
}

func newRelaySendCmd() *cobra.Command {
	var (
		configPath string
		groupID    uint
		userName   string
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message to the bot and print the group events",
		Long: "Runs the relay pipeline once in-process for the given group and prints the\n" +
			"typing and message_sent events it publishes.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := relay.IncomingMessage{
				GroupID:  groupID,
				Content:  strings.Join(args, " "),
				UserName: userName,
			}
			return runRelaySend(cmd, configPath, msg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "groupchat.yaml", "path to config file")
	cmd.Flags().UintVarP(&groupID, "group", "g", 0, "group ID (required)")
	cmd.Flags().StringVarP(&userName, "user", "u", "", "display name of the sender")
	cmd.MarkFlagRequired("group")
	return cmd
}

func runRelaySend(cmd *cobra.Command, configPath string, msg relay.IncomingMessage) error {
	if msg.GroupID == 0 {
		return fmt.Errorf("--group must be a positive group ID")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	p, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()
	events, err := p.broker.Subscribe(ctx, msg.GroupID)
	if err != nil {
		return err
	}

	// Collect concurrently; the in-process broker delivers synchronously.
	done := make(chan []pubsub.Event, 1)
	go func() {
		var got []pubsub.Event
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					done <- got
					return
				}
				got = append(got, evt)
				if evt.Type == pubsub.EventMessageSent {
					done <- got
					return
				}
			case <-ctx.Done():
				done <- got
				return
			}
		}
	}()

	p.relay.OnReceiveMessage(ctx, msg)

	var got []pubsub.Event
	select {
	case got = <-done:
	case <-time.After(sendGrace):
		cancel()
		got = <-done
	}

	out := cmd.OutOrStdout()
	for _, evt := range got {
		printEvent(out, evt)
	}
	if len(got) == 0 {
		fmt.Fprintln(out, "No events published")
	}
	return nil
}

func printEvent(out io.Writer, evt pubsub.Event) {
	switch evt.Type {
	case pubsub.EventTyping:
		name := ""
		if evt.User != nil {
			name = evt.User.Name
		}
		fmt.Fprintf(out, "[typing] %s\n", name)
	case pubsub.EventMessageSent:
		name, content := "", ""
		if evt.Author != nil {
			name = evt.Author.Name
		}
		if evt.Message != nil {
			content = evt.Message.Content
		}
		fmt.Fprintf(out, "[message] %s: %s\n", name, content)
	default:
		fmt.Fprintf(out, "[%s]\n", evt.Type)
	}
}
