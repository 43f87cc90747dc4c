package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"threat-bot/api/internal/archive"
	"threat-bot/api/internal/cache"
	"threat-bot/api/internal/handle"
	"threat-bot/api/internal/httpserver"
	"threat-bot/api/internal/logging"
	"threat-bot/api/internal/supervisor"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingestion service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	classifier, err := buildClassifier(cfg, "", repo)
	if err != nil {
		return err
	}
	alerts, err := buildDispatcher(cfg)
	if err != nil {
		return err
	}
	if cfg.Telegram.StartupPing {
		// Telegram недоступен: классификация всё равно работает
		if err := alerts.SelfTest(ctx); err != nil {
			logging.Warn().Err(err).Str("channel", cfg.Telegram.ChannelID).Msg("telegram self-test failed, alerts may not be delivered")
		} else {
			logging.Info().Str("bot", alerts.Bot.Self.UserName).Msg("telegram self-test ok")
		}
	}

	c := cache.New(cache.Options{
		MaxSize:        cfg.Cache.MaxSize,
		TTL:            cfg.Cache.TTL,
		NegativeTTL:    cfg.Cache.NegativeTTL,
		ComputeTimeout: cfg.Cache.ClassifyTimeout,
	})
	h := handle.New(c, classifier, alerts, cfg.Server.MaxUploadBytes)

	if cfg.ArchiveEnabled() {
		a, err := archive.New(archive.Config{
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			Bucket:          cfg.Archive.Bucket,
			UseSSL:          cfg.Archive.UseSSL,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
		})
		if err != nil {
			return err
		}
		// bucket может появиться позже, не валим старт
		if err := a.EnsureBucket(ctx); err != nil {
			logging.Warn().Err(err).Str("bucket", cfg.Archive.Bucket).Msg("archive bucket check failed")
		}
		h.WithArchive(a)
	}

	router := httpserver.NewRouter(h, httpserver.Options{
		RateLimitRequests: cfg.Server.RateLimitRequests,
		RateLimitWindow:   cfg.Server.RateLimitWindow,
	})
	srv := httpserver.New(":"+cfg.Server.Port, router, cfg.Cache.ClassifyTimeout)

	tree := supervisor.NewTree(supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddCore(c)
	tree.AddAPI(supervisor.NewHTTPServerService(srv, srv.Addr, cfg.Server.ShutdownTimeout))

	logging.Info().
		Str("version", version).
		Str("classifier", classifier.Name()).
		Str("model", classifier.GetModel()).
		Int("cache_size", cfg.Cache.MaxSize).
		Dur("cache_ttl", cfg.Cache.TTL).
		Bool("archive", cfg.ArchiveEnabled()).
		Bool("store", repo != nil).
		Msg("threat-bot starting")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("threat-bot stopped")
	return nil
}
