package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"threat-bot/api/internal/threat"
	"threat-bot/api/internal/util"
)

type classifyOutput struct {
	File      string `json:"file"`
	SHA256    string `json:"sha256"`
	Engine    string `json:"engine"`
	Model     string `json:"model"`
	Alert     string `json:"alert"`
	Desc      string `json:"description,omitempty"`
	AlertSent *bool  `json:"alert_dispatched,omitempty"`
}

func newClassifyCmd() *cobra.Command {
	var (
		engine string
		alert  bool
	)
	cmd := &cobra.Command{
		Use:   "classify <image>",
		Short: "Classify a local image once and print the verdict as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if len(data) == 0 {
				return fmt.Errorf("%w: %s is empty", threat.ErrValidation, args[0])
			}

			db, repo, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			if db != nil {
				defer db.Close()
			}
			eng, err := buildClassifier(cfg, engine, repo)
			if err != nil {
				return err
			}

			img := threat.NewImage(data, util.SniffImageMIME(data))
			res, err := eng.Classify(ctx, img)
			if err != nil {
				return err
			}

			out := classifyOutput{
				File:   args[0],
				SHA256: img.Sum.String(),
				Engine: eng.Name(),
				Model:  eng.GetModel(),
				Alert:  res.Label(),
				Desc:   res.Description,
			}
			if alert && res.Dangerous {
				d, err := buildDispatcher(cfg)
				if err != nil {
					return err
				}
				sent := d.Send(ctx, img, res.Description) == nil
				out.AlertSent = &sent
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&engine, "engine", "", "classifier to use: nim | gemini (default: configured provider)")
	cmd.Flags().BoolVar(&alert, "alert", false, "send a Telegram alert when the image is dangerous")
	return cmd
}
