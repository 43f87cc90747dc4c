package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"threat-bot/api/internal/fingerprint"
)

func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <image|sha256>",
		Short: "Delete stored verdicts for an image so it is classified again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.StoreEnabled() {
				return errors.New("forget: DATABASE_URL is not set")
			}
			sum, err := resolveSum(args[0])
			if err != nil {
				return err
			}

			db, repo, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := repo.Delete(ctx, sum)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d verdict(s) removed\n", sum, n)
			return nil
		},
	}
}

// resolveSum accepts a hex digest or a path to the image itself.
func resolveSum(arg string) (fingerprint.Sum, error) {
	if sum, err := fingerprint.Parse(arg); err == nil {
		return sum, nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return fingerprint.Sum{}, fmt.Errorf("forget: %q is neither a sha256 nor a readable file: %w", arg, err)
	}
	return fingerprint.Of(data), nil
}
