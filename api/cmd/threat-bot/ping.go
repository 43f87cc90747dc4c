package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Send a test message to the alert channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := buildDispatcher(cfg)
			if err != nil {
				return err
			}
			if err := d.SelfTest(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "test message sent to %s\n", cfg.Telegram.ChannelID)
			return nil
		},
	}
}
