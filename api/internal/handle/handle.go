package handle

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"threat-bot/api/internal/cache"
	"threat-bot/api/internal/threat"
)

// Archiver keeps evidence of dangerous images. Optional.
type Archiver interface {
	Put(ctx context.Context, img threat.Image, description string) (string, error)
}

type Handle struct {
	cache      *cache.Cache
	classifier threat.Classifier
	alerts     threat.Dispatcher
	archive    Archiver
	maxUpload  int64
}

func New(c *cache.Cache, classifier threat.Classifier, alerts threat.Dispatcher, maxUpload int64) *Handle {
	return &Handle{
		cache:      c,
		classifier: classifier,
		alerts:     alerts,
		maxUpload:  maxUpload,
	}
}

// WithArchive enables evidence upload for dangerous images.
func (h *Handle) WithArchive(a Archiver) *Handle {
	h.archive = a
	return h
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
