package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"whisperd/internal/whisper"
)

const defaultLanguage = "en"

var (
	ErrNotReady  = errors.New("model not loaded")
	ErrEmptyFile = errors.New("empty audio file")
)

// FailureError wraps anything that went wrong after validation: staging the
// upload or running the engine.
type FailureError struct {
	Err error
}

func (e *FailureError) Error() string {
	return "transcription failed: " + e.Err.Error()
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

type Host interface {
	Engine() whisper.Engine
}

type MetricsObserver interface {
	ObserveTranscription(outcome string, engineDuration time.Duration, audioSeconds float64)
	IncStagingCleanupFailure()
}

type Upload struct {
	Data     []byte
	FileName string
}

type Result struct {
	Text     string
	Duration float64
	Language string
}

type Options struct {
	TempDir string
	// MaxConcurrent bounds simultaneous engine calls; 0 means unbounded.
	MaxConcurrent int
	Logger        *slog.Logger
	Metrics       MetricsObserver
}

type Service struct {
	host    Host
	tempDir string
	slots   *semaphore.Weighted
	logger  *slog.Logger
	metrics MetricsObserver
}

func New(host Host, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		host:    host,
		tempDir: opts.TempDir,
		logger:  logger,
		metrics: opts.Metrics,
	}
	if opts.MaxConcurrent > 0 {
		s.slots = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return s
}

func (s *Service) Ready() bool {
	return s.host.Engine() != nil
}

// Transcribe stages the upload, runs the engine on it and removes the staged
// file on every return path. The engine call is detached from ctx
// cancellation: a client that disconnects does not abort inference.
func (s *Service) Transcribe(ctx context.Context, up Upload) (Result, error) {
	engine := s.host.Engine()
	if engine == nil {
		s.observe("not_ready", 0, 0)
		return Result{}, ErrNotReady
	}
	if len(up.Data) == 0 {
		s.observe("empty", 0, 0)
		return Result{}, ErrEmptyFile
	}

	if s.slots != nil {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return Result{}, err
		}
		defer s.slots.Release(1)
	}

	path, err := stage(s.tempDir, up)
	if err != nil {
		s.observe("failure", 0, 0)
		s.logger.Error("staging upload failed", "error", err)
		return Result{}, &FailureError{Err: err}
	}
	defer s.unstage(path)

	started := time.Now()
	raw, err := invoke(context.WithoutCancel(ctx), engine, path)
	elapsed := time.Since(started)
	if err != nil {
		s.observe("failure", elapsed, 0)
		s.logger.Error("transcription failed", "path", path, "bytes", len(up.Data), "error", err)
		return Result{}, &FailureError{Err: err}
	}

	res := mapResult(raw)
	s.observe("success", elapsed, res.Duration)
	s.logger.Debug("transcription finished", "bytes", len(up.Data), "language", res.Language, "duration_s", res.Duration, "elapsed_ms", elapsed.Milliseconds())
	return res, nil
}

func (s *Service) unstage(path string) {
	if err := unstage(path); err != nil {
		s.logger.Warn("staged file cleanup failed", "path", path, "error", err)
		if s.metrics != nil {
			s.metrics.IncStagingCleanupFailure()
		}
	}
}

func (s *Service) observe(outcome string, elapsed time.Duration, audioSeconds float64) {
	if s.metrics != nil {
		s.metrics.ObserveTranscription(outcome, elapsed, audioSeconds)
	}
}

func invoke(ctx context.Context, engine whisper.Engine, path string) (res whisper.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("engine panic: %v", rec)
		}
	}()
	return engine.Transcribe(ctx, path)
}

func mapResult(raw whisper.Result) Result {
	res := Result{
		Text:     strings.TrimSpace(raw.Text),
		Language: strings.TrimSpace(raw.Language),
	}
	if res.Language == "" {
		res.Language = defaultLanguage
	}
	if n := len(raw.Segments); n > 0 {
		res.Duration = raw.Segments[n-1].End
	}
	return res
}
