// Package supervisor runs long-lived parts of the service under a suture
// tree: the HTTP server and the cache janitor.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"threat-bot/api/internal/logging"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	// ShutdownTimeout is how long each service gets to stop.
	ShutdownTimeout time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has two layers so a crashing HTTP listener never takes the cache
// janitor down with it.
type Tree struct {
	root *suture.Supervisor
	core *suture.Supervisor
	api  *suture.Supervisor
}

func NewTree(cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = logEvent

	t := &Tree{
		root: suture.New("threat-bot", rootSpec),
		core: suture.New("core", spec),
		api:  suture.New("api", spec),
	}
	t.root.Add(t.core)
	t.root.Add(t.api)
	return t
}

// AddCore adds background maintenance services (cache janitor).
func (t *Tree) AddCore(svc suture.Service) suture.ServiceToken { return t.core.Add(svc) }

// AddAPI adds network-facing services (HTTP server).
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken { return t.api.Add(svc) }

// Serve blocks until ctx ends and every service has stopped.
func (t *Tree) Serve(ctx context.Context) error { return t.root.Serve(ctx) }

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

func logEvent(ev suture.Event) {
	l := logging.Logger()
	var e *zerolog.Event
	switch ev.Type() {
	case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
		e = l.Error()
	case suture.EventTypeServiceTerminate, suture.EventTypeBackoff:
		e = l.Warn()
	default:
		e = l.Info()
	}
	e.Fields(ev.Map()).Str("component", "supervisor").Msg(ev.String())
}
