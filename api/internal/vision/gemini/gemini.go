// Package gemini classifies images with Google Gemini through generative-ai-go.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"threat-bot/api/internal/logging"
	"threat-bot/api/internal/prompt"
	"threat-bot/api/internal/threat"
	"threat-bot/api/internal/util"
)

const DefaultModel = "gemini-2.5-flash"

type Engine struct {
	APIKey string
	Model  string
	// MaxAttempts is the total number of GenerateContent tries per image.
	MaxAttempts int
	// RetryWait is the first backoff interval between tries.
	RetryWait time.Duration

	// extra client options (endpoint override in tests)
	opts []option.ClientOption
}

func New(apiKey, model string, opts ...option.ClientOption) *Engine {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	return &Engine{
		APIKey:      strings.TrimSpace(apiKey),
		Model:       model,
		MaxAttempts: 3,
		RetryWait:   300 * time.Millisecond,
		opts:        opts,
	}
}

func (e *Engine) Name() string     { return "gemini" }
func (e *Engine) GetModel() string { return e.Model }

func (e *Engine) Classify(ctx context.Context, img threat.Image) (threat.Result, error) {
	if e.APIKey == "" {
		return threat.Result{}, fmt.Errorf("%w: GEMINI_API_KEY is empty", threat.ErrUpstream)
	}
	cl, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(e.APIKey)}, e.opts...)...)
	if err != nil {
		return threat.Result{}, fmt.Errorf("%w: gemini client: %w", threat.ErrUpstream, err)
	}
	defer cl.Close()

	m := cl.GenerativeModel(e.Model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:     ptrFloat32(0),
		MaxOutputTokens: ptrInt32(512),
	}

	mime := img.MIME
	if mime == "" {
		mime = util.SniffImageMIME(img.Data)
	}
	parts := []genai.Part{
		genai.Text(prompt.Threat),
		genai.Blob{MIMEType: mime, Data: img.Data},
	}

	txt, err := e.withRetry(ctx, func(ctx context.Context) (string, error) {
		resp, err := m.GenerateContent(ctx, parts...)
		if err != nil {
			return "", err
		}
		txt := firstText(resp)
		if txt == "" {
			return "", backoff.Permanent(fmt.Errorf("%w: gemini: empty response", threat.ErrUpstream))
		}
		return txt, nil
	})
	if err != nil {
		return threat.Result{}, err
	}
	return threat.ParseVerdict(txt)
}

// withRetry runs call with exponential backoff; waiting stops when ctx ends.
// Errors wrap threat.ErrUpstream.
func (e *Engine) withRetry(ctx context.Context, call func(context.Context) (string, error)) (string, error) {
	attempts := e.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var out string
	op := func() error {
		txt, err := call(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out = txt
		return nil
	}

	b := backoff.NewExponentialBackOff()
	if e.RetryWait > 0 {
		b.InitialInterval = e.RetryWait
		b.MaxInterval = 10 * e.RetryWait
	}
	notify := func(err error, d time.Duration) {
		logging.Ctx(ctx).Warn().Err(err).Dur("retry_in", d).Msg("gemini call failed, retrying")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx), notify)
	if err != nil {
		if !errors.Is(err, threat.ErrUpstream) {
			err = fmt.Errorf("%w: gemini: %w", threat.ErrUpstream, err)
		}
		return "", err
	}
	return out, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
func ptrInt32(v int32) *int32       { return &v }
