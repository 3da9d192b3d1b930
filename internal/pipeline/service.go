package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"whisperd/internal/postprocess"
	"whisperd/internal/transcription"
)

const (
	StatusSucceeded     = "Refinement succeeded"
	StatusFailed        = "Refinement failed, using raw transcript"
	StatusRateLimited   = "Refinement unavailable, using raw transcript"
	StatusNotConfigured = "Refinement not configured, using raw transcript"
	StatusSkipped       = "Nothing to refine"
)

type Transcriber interface {
	Transcribe(ctx context.Context, up transcription.Upload) (transcription.Result, error)
}

type Refiner interface {
	Refine(ctx context.Context, in postprocess.Input) (postprocess.Result, error)
}

type Service struct {
	transcriber Transcriber
	refiner     Refiner
}

type ProcessInput struct {
	Upload      transcription.Upload
	RefineModel string
}

type Timings struct {
	Transcription time.Duration
	Refinement    time.Duration
	Total         time.Duration
}

type ProcessResult struct {
	transcription.Result
	RawText      string
	RefineStatus string
	RefineModel  string
	Timings      Timings
}

func New(transcriber Transcriber, refiner Refiner) *Service {
	return &Service{transcriber: transcriber, refiner: refiner}
}

// Process transcribes the upload and refines the text. Transcription errors
// are returned as is; a refinement failure falls back to the raw transcript.
func (s *Service) Process(ctx context.Context, in ProcessInput) (ProcessResult, error) {
	started := time.Now()

	raw, err := s.transcriber.Transcribe(ctx, in.Upload)
	transcriptionDuration := time.Since(started)
	if err != nil {
		return ProcessResult{}, err
	}

	result := ProcessResult{
		Result:  raw,
		RawText: raw.Text,
		Timings: Timings{Transcription: transcriptionDuration},
	}
	if strings.TrimSpace(raw.Text) == "" {
		result.RefineStatus = StatusSkipped
		result.Timings.Total = time.Since(started)
		return result, nil
	}

	refineStarted := time.Now()
	refined, err := s.refiner.Refine(ctx, postprocess.Input{Text: raw.Text, Model: in.RefineModel})
	result.Timings.Refinement = time.Since(refineStarted)
	result.Timings.Total = time.Since(started)

	var rateErr *postprocess.RateLimitedError
	switch {
	case err == nil:
		result.Text = refined.Text
		result.RefineModel = refined.Model
		result.RefineStatus = StatusSucceeded
	case errors.Is(err, postprocess.ErrNotConfigured):
		result.RefineStatus = StatusNotConfigured
	case errors.As(err, &rateErr):
		result.RefineStatus = StatusRateLimited
	default:
		result.RefineStatus = StatusFailed
	}
	return result, nil
}
