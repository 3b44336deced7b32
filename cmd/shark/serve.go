package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/groupchat/internal/relay"
	"github.com/zulandar/groupchat/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the bot relay",
		Long: "Starts the HTTP API, consumes queued bot triggers on a worker pool and, when\n" +
			"sessions.max_age_hours is set, sweeps stale bot sessions on a cron schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "groupchat.yaml", "path to config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
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

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := relay.NewListener(relay.ListenerOpts{
		Consumer: p.broker,
		Handler:  p.relay,
		Topic:    cfg.Relay.InboundTopic,
		Workers:  cfg.Relay.Workers,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	listenerDone := make(chan error, 1)
	go func() { listenerDone <- listener.Run(ctx) }()

	if cfg.Sessions.MaxAgeHours > 0 {
		sweeper, err := relay.NewSweeper(relay.SweeperOpts{
			DB:     p.db,
			MaxAge: time.Duration(cfg.Sessions.MaxAgeHours) * time.Hour,
			Cron:   cfg.Sessions.SweepCron,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		go sweeper.Run(ctx)
	}

	serveErr := server.Start(ctx, server.StartOpts{
		DB:           p.db,
		Queue:        p.broker,
		Events:       p.broker,
		InboundTopic: cfg.Relay.InboundTopic,
		Port:         cfg.Server.Port,
		Out:          cmd.OutOrStdout(),
		Logger:       logger,
	})
	stop()

	if err := <-listenerDone; err != nil && serveErr == nil {
		serveErr = err
	}
	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Shut down cleanly")
	return nil
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
