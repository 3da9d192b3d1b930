// Package postprocess refines raw transcripts through an OpenAI-compatible
// chat completions endpoint.
package postprocess

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"whisperd/internal/upstream/openai"
)

const DefaultSystemPrompt = `Transform speech-to-text output into clear, professional text. Preserve meaning and intent.

Rules:
- Add proper punctuation and capitalization
- Remove filler words (um, uh, like, you know)
- Fix grammar and awkward phrasing
- Break run-on sentences
- Correct speech recognition errors
- Keep the speaker's voice, tone and terminology
- Preserve names and technical terms
- Do not add new information

Output only the refined text.`

const (
	DefaultModel = "xiaomi/mimo-v2-flash:free"

	temperature        = 0.3
	maxTokens          = 2000
	defaultMaxTokens   = 4096
	defaultRetryDelay  = time.Second
	defaultModelsCache = time.Hour
)

var (
	ErrNotConfigured = errors.New("refinement is not configured")
	ErrEmptyText     = errors.New("no text provided")
)

// RateLimitedError is returned when the provider still answers 429 after the
// single retry.
type RateLimitedError struct {
	Err error
}

func (e *RateLimitedError) Error() string {
	return "refinement rate limited: " + e.Err.Error()
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

type Client interface {
	ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) ([]openai.Model, error)
}

type MetricsObserver interface {
	ObserveRefinement(outcome string, duration time.Duration)
}

type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Input struct {
	Text  string
	Model string
}

type Result struct {
	Text  string
	Model string
	Usage *TokenUsage
}

type ModelInfo struct {
	ID                  string
	Name                string
	Description         string
	PromptPrice         string
	CompletionPrice     string
	ContextLength       int
	MaxCompletionTokens int
	Free                bool
}

type Options struct {
	// Enabled is false when no API key is configured; Refine then reports
	// ErrNotConfigured while Models still works against public catalogs.
	Enabled    bool
	Timeout    time.Duration
	RetryDelay time.Duration
	ModelsTTL  time.Duration
	Logger     *slog.Logger
	Metrics    MetricsObserver
}

type Service struct {
	client       Client
	defaultModel string
	enabled      bool
	timeout      time.Duration
	retryDelay   time.Duration
	modelsTTL    time.Duration
	logger       *slog.Logger
	metrics      MetricsObserver

	mu       sync.Mutex
	models   []ModelInfo
	cachedAt time.Time
}

func New(client Client, defaultModel string, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaultModel = strings.TrimSpace(defaultModel)
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	modelsTTL := opts.ModelsTTL
	if modelsTTL <= 0 {
		modelsTTL = defaultModelsCache
	}
	return &Service{
		client:       client,
		defaultModel: defaultModel,
		enabled:      opts.Enabled && client != nil,
		timeout:      opts.Timeout,
		retryDelay:   retryDelay,
		modelsTTL:    modelsTTL,
		logger:       logger,
		metrics:      opts.Metrics,
	}
}

func (s *Service) Enabled() bool {
	return s.enabled
}

// Refine rewrites in.Text. A 429 from the provider is retried once after the
// retry delay; a second failure of any kind is reported as RateLimitedError.
func (s *Service) Refine(ctx context.Context, in Input) (Result, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Result{}, ErrEmptyText
	}
	if !s.enabled {
		s.observe("not_configured", 0)
		return Result{}, ErrNotConfigured
	}

	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = s.defaultModel
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Messages: []openai.ChatMessage{
			{Role: "system", Content: DefaultSystemPrompt},
			{Role: "user", Content: text},
		},
	}

	started := time.Now()
	resp, err := s.client.ChatCompletion(ctx, req)
	if isRateLimited(err) {
		s.logger.Warn("refinement rate limited, retrying once", "model", model, "delay", s.retryDelay)
		if werr := sleep(ctx, s.retryDelay); werr != nil {
			s.observe("failure", time.Since(started))
			return Result{}, werr
		}
		resp, err = s.client.ChatCompletion(ctx, req)
		if err != nil {
			s.observe("rate_limited", time.Since(started))
			return Result{}, &RateLimitedError{Err: err}
		}
	}
	if err != nil {
		s.observe("failure", time.Since(started))
		return Result{}, err
	}

	result := Result{Text: sanitizeRefinedText(resp.Content), Model: model}
	if resp.Usage != nil {
		result.Usage = &TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	s.observe("success", time.Since(started))
	return result, nil
}

// Models lists text-capable models, free ones first, then by name. The list
// is cached for ModelsTTL.
func (s *Service) Models(ctx context.Context) ([]ModelInfo, error) {
	if s.client == nil {
		return nil, ErrNotConfigured
	}

	s.mu.Lock()
	if s.models != nil && time.Since(s.cachedAt) < s.modelsTTL {
		models := s.models
		s.mu.Unlock()
		return models, nil
	}
	s.mu.Unlock()

	raw, err := s.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	models := filterModels(raw)

	s.mu.Lock()
	s.models = models
	s.cachedAt = time.Now()
	s.mu.Unlock()
	return models, nil
}

func (s *Service) observe(outcome string, duration time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveRefinement(outcome, duration)
	}
}

func filterModels(raw []openai.Model) []ModelInfo {
	models := make([]ModelInfo, 0, len(raw))
	for _, m := range raw {
		switch m.Architecture.Modality {
		case "", "text", "text+image", "text->text":
		default:
			continue
		}
		info := ModelInfo{
			ID:                  m.ID,
			Name:                m.Name,
			Description:         m.Description,
			PromptPrice:         m.Pricing.Prompt,
			CompletionPrice:     m.Pricing.Completion,
			ContextLength:       m.ContextLength,
			MaxCompletionTokens: m.TopProvider.MaxCompletionTokens,
			Free:                m.Pricing.Prompt == "0" && m.Pricing.Completion == "0",
		}
		if info.Name == "" {
			info.Name = m.ID
		}
		if info.MaxCompletionTokens == 0 {
			info.MaxCompletionTokens = defaultMaxTokens
		}
		models = append(models, info)
	}
	sort.SliceStable(models, func(i, j int) bool {
		if models[i].Free != models[j].Free {
			return models[i].Free
		}
		return models[i].Name < models[j].Name
	})
	return models
}

func isRateLimited(err error) bool {
	var upstreamErr *openai.Error
	return errors.As(err, &upstreamErr) && upstreamErr.StatusCode == http.StatusTooManyRequests
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func sanitizeRefinedText(value string) string {
	result := strings.TrimSpace(value)
	if len(result) > 1 && strings.HasPrefix(result, "\"") && strings.HasSuffix(result, "\"") {
		result = strings.TrimSpace(result[1 : len(result)-1])
	}
	return result
}
