package watchcmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/draftpilot/draftpilot/db"
	"github.com/draftpilot/draftpilot/internal/configutil"
	"github.com/draftpilot/draftpilot/participation"
	"github.com/draftpilot/draftpilot/workspaces"
)

// New builds the watch command for managing watched conversations from the
// shell, without a running serve process.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage watched conversations",
	}
	cmd.PersistentFlags().String("team", "", "Slack team id the workspace belongs to.")
	cmd.PersistentFlags().String("db-driver", "", "Database driver: sqlite|postgres.")
	cmd.PersistentFlags().String("db-dsn", "", "Database DSN (default: ~/.draftpilot/draftpilot.sqlite).")

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newRemoveCmd())
	return cmd
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List watched conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, tracker, wsID, err := openTracker(cmd)
			if err != nil {
				return err
			}
			defer closeDB(gdb)

			userID, _ := cmd.Flags().GetString("user")
			rows, err := tracker.Watches(cmd.Context(), wsID, userID)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				cmd.Println("no watched conversations")
				return nil
			}
			for _, row := range rows {
				name := row.ChannelName
				if name == "" {
					name = "-"
				}
				cmd.Printf("%s\t%s\t%s\t%s\tauto_respond=%t\n",
					row.ChannelID, name, row.ChannelType, row.UserID, row.AutoRespond)
			}
			return nil
		},
	}
	cmd.Flags().String("user", "", "Only list watches for this Slack user id.")
	return cmd
}

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Opt a user in to suggestions for a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, tracker, wsID, err := openTracker(cmd)
			if err != nil {
				return err
			}
			defer closeDB(gdb)

			userID, _ := cmd.Flags().GetString("user")
			channelID, _ := cmd.Flags().GetString("channel")
			channelName, _ := cmd.Flags().GetString("channel-name")
			channelType, _ := cmd.Flags().GetString("channel-type")
			autoRespond, _ := cmd.Flags().GetBool("auto-respond")

			if err := tracker.Watch(cmd.Context(), wsID, userID, channelID, channelName, channelType, autoRespond); err != nil {
				return err
			}
			cmd.Printf("watching %s for %s\n", channelID, userID)
			return nil
		},
	}
	cmd.Flags().String("user", "", "Slack user id to opt in.")
	cmd.Flags().String("channel", "", "Slack channel id to watch.")
	cmd.Flags().String("channel-name", "", "Human-readable channel name.")
	cmd.Flags().String("channel-type", "", "Channel type: im|mpim|channel|private_channel.")
	cmd.Flags().Bool("auto-respond", false, "Deliver suggestions without waiting for review.")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Opt a user out of suggestions for a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, tracker, wsID, err := openTracker(cmd)
			if err != nil {
				return err
			}
			defer closeDB(gdb)

			userID, _ := cmd.Flags().GetString("user")
			channelID, _ := cmd.Flags().GetString("channel")
			if err := tracker.Unwatch(cmd.Context(), wsID, userID, channelID); err != nil {
				return err
			}
			cmd.Printf("stopped watching %s for %s\n", channelID, userID)
			return nil
		},
	}
	cmd.Flags().String("user", "", "Slack user id to opt out.")
	cmd.Flags().String("channel", "", "Slack channel id to stop watching.")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func openTracker(cmd *cobra.Command) (*gorm.DB, *participation.Tracker, string, error) {
	teamID := strings.TrimSpace(configutil.FlagOrViperString(cmd, "team", "slack.team_id"))
	if teamID == "" {
		return nil, nil, "", fmt.Errorf("missing team id (set via --team or DRAFTPILOT_SLACK_TEAM_ID)")
	}

	cfg := db.DefaultConfig()
	cfg.Driver = configutil.FlagOrViperString(cmd, "db-driver", "db.driver")
	cfg.DSN = configutil.FlagOrViperString(cmd, "db-dsn", "db.dsn")
	gdb, err := db.Open(cfg)
	if err != nil {
		return nil, nil, "", fmt.Errorf("open database: %w", err)
	}

	store, err := workspaces.NewStore(gdb)
	if err != nil {
		closeDB(gdb)
		return nil, nil, "", err
	}
	ws, err := store.Ensure(cmd.Context(), teamID, "")
	if err != nil {
		closeDB(gdb)
		return nil, nil, "", err
	}
	tracker, err := participation.NewTracker(gdb, nil)
	if err != nil {
		closeDB(gdb)
		return nil, nil, "", err
	}
	return gdb, tracker, ws.ID, nil
}

func closeDB(gdb *gorm.DB) {
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
