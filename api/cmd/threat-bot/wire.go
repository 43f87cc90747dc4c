package main

import (
	"context"
	"database/sql"
	"fmt"

	"threat-bot/api/internal/config"
	"threat-bot/api/internal/logging"
	"threat-bot/api/internal/store"
	"threat-bot/api/internal/telegram"
	"threat-bot/api/internal/vision"
	"threat-bot/api/internal/vision/gemini"
	"threat-bot/api/internal/vision/nim"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, nil
}

// openStore returns nil when no DATABASE_URL is configured.
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, *store.VerdictRepo, error) {
	if !cfg.StoreEnabled() {
		return nil, nil, nil
	}
	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	repo := store.NewVerdictRepo(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("verdict schema: %w", err)
	}
	logging.Info().Str("db", store.SafeDSNSummary(cfg.Database.URL)).Msg("db connected")
	return db, repo, nil
}

func buildEngines(cfg *config.Config) *vision.Engines {
	engs := &vision.Engines{}
	if cfg.Classifier.APIKey != "" {
		engs.NIM = nim.New(cfg.Classifier.APIKey, nim.Options{
			URL:         cfg.Classifier.URL,
			Model:       cfg.Classifier.Model,
			MaxAttempts: cfg.Classifier.MaxAttempts,
		})
	}
	if cfg.Classifier.GeminiAPIKey != "" {
		g := gemini.New(cfg.Classifier.GeminiAPIKey, cfg.Classifier.GeminiModel)
		if cfg.Classifier.MaxAttempts > 0 {
			g.MaxAttempts = cfg.Classifier.MaxAttempts
		}
		engs.Gemini = g
	}
	return engs
}

// buildClassifier picks the engine by name (empty = configured provider),
// puts the durable store in front of it when there is one, and instruments it.
func buildClassifier(cfg *config.Config, name string, repo *store.VerdictRepo) (vision.Engine, error) {
	if name == "" {
		name = cfg.Classifier.Provider
	}
	eng, err := buildEngines(cfg).GetEngine(name)
	if err != nil {
		return nil, err
	}
	if repo != nil {
		eng = store.Memo(repo, eng, cfg.Database.MaxAge)
	}
	return vision.Instrumented(eng), nil
}

func buildDispatcher(cfg *config.Config) (*telegram.Dispatcher, error) {
	bot, err := telegram.NewBot(cfg.Telegram.BotToken, cfg.Telegram.APIEndpoint)
	if err != nil {
		return nil, err
	}
	return telegram.NewDispatcher(bot, cfg.Telegram.ChannelID)
}
