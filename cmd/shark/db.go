package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/groupchat/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBResetSessionCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		Long:  "Connects to the configured database and migrates the account, bot session and message tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "groupchat.yaml", "path to config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s database\n", cfg.Database.Driver)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}

func newDBResetSessionCmd() *cobra.Command {
	var (
		configPath string
		groupID    uint
	)

	cmd := &cobra.Command{
		Use:   "reset-session",
		Short: "Forget a group's bot session",
		Long:  "Deletes the stored bot session for a group so the next bot reply starts a new remote session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBResetSession(cmd, configPath, groupID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "groupchat.yaml", "path to config file")
	cmd.Flags().UintVarP(&groupID, "group", "g", 0, "group ID (required)")
	cmd.MarkFlagRequired("group")
	return cmd
}

func runDBResetSession(cmd *cobra.Command, configPath string, groupID uint) error {
	if groupID == 0 {
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
	gormDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	tokens, err := newTokenCache(cfg, gormDB, logger)
	if err != nil {
		return err
	}
	if err := tokens.Invalidate(commandContext(cmd), groupID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Bot session for group %d reset\n", groupID)
	return nil
}
