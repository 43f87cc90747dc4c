// Package threat holds the domain types shared by the ingestion pipeline:
// uploaded images, classification verdicts and the collaborators that
// produce and deliver them.
package threat

import (
	"context"
	"errors"

	"threat-bot/api/internal/fingerprint"
)

var (
	// ErrValidation marks uploads rejected before classification.
	ErrValidation = errors.New("invalid upload")
	// ErrUpstream marks classifier failures: transport, non-2xx, unusable reply.
	ErrUpstream = errors.New("upstream classification failed")
	// ErrDelivery marks alert dispatch failures.
	ErrDelivery = errors.New("alert delivery failed")
)

// Image is an uploaded photo with its content fingerprint.
type Image struct {
	Data []byte
	MIME string
	Sum  fingerprint.Sum
}

// NewImage fingerprints data.
func NewImage(data []byte, mime string) Image {
	return Image{Data: data, MIME: mime, Sum: fingerprint.Of(data)}
}

// Result is an immutable classification verdict.
// Description is set only when Dangerous is true.
type Result struct {
	Dangerous   bool   `json:"dangerous"`
	Description string `json:"description,omitempty"`
}

// Label is the value of the "alert" response field.
func (r Result) Label() string {
	if r.Dangerous {
		return "dangerous"
	}
	return "not dangerous"
}

// Classifier asks a remote model whether an image shows a threat.
// Errors wrap ErrUpstream.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, img Image) (Result, error)
}

// Dispatcher delivers an alert for a dangerous image.
// Errors wrap ErrDelivery.
type Dispatcher interface {
	Send(ctx context.Context, img Image, description string) error
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, img Image) (Result, error)

func (f ClassifierFunc) Name() string { return "func" }

func (f ClassifierFunc) Classify(ctx context.Context, img Image) (Result, error) {
	return f(ctx, img)
}
