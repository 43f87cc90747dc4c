package handle

import (
	"context"
	"errors"
	"net/http"

	"threat-bot/api/internal/logging"
	"threat-bot/api/internal/metrics"
	"threat-bot/api/internal/threat"
)

type DetectResponse struct {
	Alert           string `json:"alert"`
	Description     string `json:"description,omitempty"`
	AlertDispatched *bool  `json:"alert_dispatched,omitempty"`
}

// DetectThreat handles POST /detect-threat/ with a multipart "file" field.
func (h *Handle) DetectThreat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	ctx := r.Context()
	log := logging.Ctx(ctx)

	img, err := h.readUpload(w, r)
	if err != nil {
		log.Info().Err(err).Msg("upload rejected")
		if errors.Is(err, errTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.cache.GetOrCompute(ctx, img.Sum, func(ctx context.Context) (threat.Result, error) {
		return h.classifier.Classify(ctx, img)
	})
	if err != nil {
		switch {
		case errors.Is(err, threat.ErrUpstream):
			log.Warn().Err(err).Str("sum", img.Sum.Short()).Msg("classification failed")
			writeError(w, http.StatusBadGateway, "classification failed: "+err.Error())
		case ctx.Err() != nil:
			// клиент ушёл, ответ никто не прочитает
			log.Debug().Err(err).Msg("client went away")
		default:
			log.Error().Err(err).Str("sum", img.Sum.Short()).Msg("classification error")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	if !res.Dangerous {
		writeJSON(w, http.StatusOK, DetectResponse{Alert: res.Label()})
		return
	}

	dispatched := h.dispatch(ctx, img, res.Description)
	h.keepEvidence(ctx, img, res.Description)

	writeJSON(w, http.StatusOK, DetectResponse{
		Alert:           res.Label(),
		Description:     res.Description,
		AlertDispatched: &dispatched,
	})
}

func (h *Handle) dispatch(ctx context.Context, img threat.Image, description string) bool {
	err := h.alerts.Send(ctx, img, description)
	metrics.RecordAlert(err)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("sum", img.Sum.Short()).Msg("alert not delivered")
		return false
	}
	logging.Ctx(ctx).Info().Str("sum", img.Sum.Short()).Msg("alert sent")
	return true
}

func (h *Handle) keepEvidence(ctx context.Context, img threat.Image, description string) {
	if h.archive == nil {
		return
	}
	key, err := h.archive.Put(ctx, img, description)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("sum", img.Sum.Short()).Msg("archive upload failed")
		return
	}
	logging.Ctx(ctx).Debug().Str("key", key).Msg("evidence archived")
}
