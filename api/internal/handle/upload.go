package handle

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"threat-bot/api/internal/threat"
	"threat-bot/api/internal/util"
)

const (
	formField = "file"
	// запас на заголовки multipart и прочие поля формы
	formOverhead = 64 << 10
)

var errTooLarge = errors.New("image exceeds upload limit")

// readUpload returns the bytes of the "file" form field.
// Failures wrap threat.ErrValidation or errTooLarge.
func (h *Handle) readUpload(w http.ResponseWriter, r *http.Request) (threat.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+formOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		return threat.Image{}, fmt.Errorf("%w: expected multipart/form-data: %v", threat.ErrValidation, err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return threat.Image{}, fmt.Errorf("%w: missing %q field", threat.ErrValidation, formField)
		}
		if err != nil {
			return threat.Image{}, classifyReadErr(err)
		}
		if part.FormName() != formField {
			_ = part.Close()
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, h.maxUpload+1))
		_ = part.Close()
		if err != nil {
			return threat.Image{}, classifyReadErr(err)
		}
		if int64(len(data)) > h.maxUpload {
			return threat.Image{}, fmt.Errorf("%w (%d bytes max)", errTooLarge, h.maxUpload)
		}
		if len(data) == 0 {
			return threat.Image{}, fmt.Errorf("%w: empty file", threat.ErrValidation)
		}
		return threat.NewImage(data, util.SniffImageMIME(data)), nil
	}
}

func classifyReadErr(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return fmt.Errorf("%w (%d bytes max)", errTooLarge, mbe.Limit)
	}
	return fmt.Errorf("%w: unreadable upload: %v", threat.ErrValidation, err)
}
