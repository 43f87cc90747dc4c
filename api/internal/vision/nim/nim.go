// Package nim classifies images with a vision model hosted on NVIDIA NIM
// (OpenAI-compatible chat completions with the image inlined as a data URL).
package nim

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"threat-bot/api/internal/logging"
	"threat-bot/api/internal/prompt"
	"threat-bot/api/internal/threat"
	"threat-bot/api/internal/util"
)

const (
	DefaultURL   = "https://ai.api.nvidia.com/v1/gr/meta/llama-3.2-90b-vision-instruct/chat/completions"
	DefaultModel = "meta/llama-3.2-90b-vision-instruct"
)

type Options struct {
	URL         string
	Model       string
	MaxTokens   int
	MaxAttempts int           // total tries per call, >=1
	RetryWait   time.Duration // first backoff interval
	Timeout     time.Duration // per HTTP attempt
	// Circuit breaker: open after this many consecutive failed calls,
	// stay open for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

type Engine struct {
	APIKey string
	Model  string

	url       string
	maxTokens int
	attempts  int
	retryWait time.Duration
	httpc     *http.Client
	breaker   *gobreaker.CircuitBreaker[string]
}

func New(key string, opt Options) *Engine {
	if opt.URL == "" {
		opt.URL = DefaultURL
	}
	if opt.Model == "" {
		opt.Model = DefaultModel
	}
	if opt.MaxTokens <= 0 {
		opt.MaxTokens = 512
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 3
	}
	if opt.RetryWait <= 0 {
		opt.RetryWait = 500 * time.Millisecond
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 60 * time.Second
	}
	if opt.BreakerFailures == 0 {
		opt.BreakerFailures = 5
	}
	if opt.BreakerCooldown <= 0 {
		opt.BreakerCooldown = 30 * time.Second
	}
	httpc := opt.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: opt.Timeout}
	}

	e := &Engine{
		APIKey:    strings.TrimSpace(key),
		Model:     opt.Model,
		url:       opt.URL,
		maxTokens: opt.MaxTokens,
		attempts:  opt.MaxAttempts,
		retryWait: opt.RetryWait,
		httpc:     httpc,
	}
	e.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:    "nim",
		Timeout: opt.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opt.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return e
}

func (e *Engine) Name() string { return "nim" }

func (e *Engine) GetModel() string { return e.Model }

func (e *Engine) Classify(ctx context.Context, img threat.Image) (threat.Result, error) {
	if e.APIKey == "" {
		return threat.Result{}, fmt.Errorf("%w: API_KEY not set", threat.ErrUpstream)
	}

	payload, err := json.Marshal(e.requestBody(img))
	if err != nil {
		return threat.Result{}, fmt.Errorf("%w: nim encode: %v", threat.ErrUpstream, err)
	}

	reply, err := e.breaker.Execute(func() (string, error) {
		return e.completeWithRetry(ctx, payload)
	})
	if err != nil {
		// открытый breaker или дедлайн во время ретраев: тоже upstream-ошибка
		if !errors.Is(err, threat.ErrUpstream) {
			err = fmt.Errorf("%w: nim: %w", threat.ErrUpstream, err)
		}
		return threat.Result{}, err
	}
	return threat.ParseVerdict(reply)
}

func (e *Engine) requestBody(img threat.Image) map[string]any {
	mime := img.MIME
	if mime == "" {
		mime = util.SniffImageMIME(img.Data)
	}
	dataURL := util.MakeDataURL(mime, base64.StdEncoding.EncodeToString(img.Data))

	return map[string]any{
		"model": e.Model,
		"messages": []any{
			map[string]any{
				"role":    "user",
				"content": prompt.Threat + " " + prompt.ImageTag(dataURL),
			},
		},
		"max_tokens":  e.maxTokens,
		"temperature": 0,
		"top_p":       1.0,
	}
}

// completeWithRetry retries transport errors, 429 and 5xx.
func (e *Engine) completeWithRetry(ctx context.Context, payload []byte) (string, error) {
	var reply string
	op := func() error {
		out, err := e.complete(ctx, payload)
		if err != nil {
			return err
		}
		reply = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryWait
	b.MaxInterval = 10 * e.retryWait
	retries := uint64(e.attempts - 1)
	notify := func(err error, d time.Duration) {
		logging.Ctx(ctx).Warn().Err(err).Dur("retry_in", d).Msg("nim call failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx), notify); err != nil {
		return "", err
	}
	return reply, nil
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (e *Engine) complete(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("%w: nim request: %v", threat.ErrUpstream, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.APIKey)

	resp, err := e.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(fmt.Errorf("%w: nim: %v", threat.ErrUpstream, err))
		}
		return "", fmt.Errorf("%w: nim: %v", threat.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		x, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := fmt.Errorf("%w: nim %d: %s", threat.ErrUpstream, resp.StatusCode, strings.TrimSpace(string(x)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", err
		}
		return "", backoff.Permanent(err)
	}

	var raw chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return "", backoff.Permanent(fmt.Errorf("%w: nim: bad JSON: %v", threat.ErrUpstream, err))
	}
	if len(raw.Choices) == 0 {
		return "", backoff.Permanent(fmt.Errorf("%w: nim: empty response", threat.ErrUpstream))
	}
	return raw.Choices[0].Message.Content, nil
}
