package store

import (
	"context"
	"time"

	"threat-bot/api/internal/fingerprint"
	"threat-bot/api/internal/logging"
	"threat-bot/api/internal/threat"
	"threat-bot/api/internal/vision"
)

type verdictStore interface {
	Find(ctx context.Context, sum fingerprint.Sum, engine, model string, maxAge time.Duration) (threat.Result, error)
	Upsert(ctx context.Context, sum fingerprint.Sum, engine, model string, res threat.Result) error
}

// Memo puts a durable verdict table in front of next, so verdicts survive
// restarts and are shared between replicas. Only successful verdicts are
// stored; a store outage degrades to calling next directly.
func Memo(repo verdictStore, next vision.Engine, maxAge time.Duration) vision.Engine {
	return &memo{repo: repo, next: next, maxAge: maxAge}
}

type memo struct {
	repo   verdictStore
	next   vision.Engine
	maxAge time.Duration
}

func (m *memo) Name() string     { return m.next.Name() }
func (m *memo) GetModel() string { return m.next.GetModel() }

func (m *memo) Classify(ctx context.Context, img threat.Image) (threat.Result, error) {
	log := logging.Ctx(ctx)
	res, err := m.repo.Find(ctx, img.Sum, m.next.Name(), m.next.GetModel(), m.maxAge)
	switch {
	case err == nil:
		log.Debug().Str("sum", img.Sum.Short()).Msg("verdict from store")
		return res, nil
	case !isNotFound(err):
		log.Warn().Err(err).Msg("verdict store lookup failed")
	}

	res, err = m.next.Classify(ctx, img)
	if err != nil {
		return res, err
	}
	if err := m.repo.Upsert(ctx, img.Sum, m.next.Name(), m.next.GetModel(), res); err != nil {
		log.Warn().Err(err).Msg("verdict store upsert failed")
	}
	return res, nil
}
