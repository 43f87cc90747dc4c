// Package vision picks the threat classifier backing the service.
package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"threat-bot/api/internal/logging"
	"threat-bot/api/internal/metrics"
	"threat-bot/api/internal/threat"
)

// Engine is a remote vision model that can judge an image.
type Engine interface {
	threat.Classifier
	GetModel() string
}

// Engines holds the configured providers; nil fields are not configured.
type Engines struct {
	NIM    Engine
	Gemini Engine
}

func (e *Engines) GetEngine(name string) (Engine, error) {
	var eng Engine
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "nim", "nvidia":
		eng = e.NIM
	case "gemini":
		eng = e.Gemini
	default:
		return nil, fmt.Errorf("unknown classifier %q; use nim | gemini", name)
	}
	if eng == nil {
		return nil, errors.New("classifier " + name + " is not configured")
	}
	return eng, nil
}

// Instrumented records latency and outcome of every call to next.
func Instrumented(next Engine) Engine {
	return instrumented{next}
}

type instrumented struct{ Engine }

func (i instrumented) Classify(ctx context.Context, img threat.Image) (threat.Result, error) {
	start := time.Now()
	res, err := i.Engine.Classify(ctx, img)
	took := time.Since(start)
	metrics.RecordClassification(i.Name(), res.Dangerous, err, took)

	l := logging.Ctx(ctx)
	var ev *zerolog.Event
	if err != nil {
		ev = l.Warn().Err(err)
	} else {
		ev = l.Info()
	}
	ev.Str("engine", i.Name()).Str("model", i.GetModel()).Str("sum", img.Sum.Short()).
		Bool("dangerous", res.Dangerous).Dur("took", took).Msg("classified")
	return res, err
}
