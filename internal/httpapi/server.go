package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whisperd/internal/config"
	"whisperd/internal/model"
	"whisperd/internal/pipeline"
	"whisperd/internal/postprocess"
	"whisperd/internal/transcription"
	"whisperd/internal/upstream/openai"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type TranscriptionService interface {
	Ready() bool
	Transcribe(ctx context.Context, up transcription.Upload) (transcription.Result, error)
}

type RefineService interface {
	Refine(ctx context.Context, in postprocess.Input) (postprocess.Result, error)
	Models(ctx context.Context) ([]postprocess.ModelInfo, error)
}

type PipelineService interface {
	Process(ctx context.Context, in pipeline.ProcessInput) (pipeline.ProcessResult, error)
}

type ModelStatus interface {
	Name() string
	Loaded() bool
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

// Dependencies: Refine and Pipeline are optional. Without Refine the /refine
// and /models routes are not mounted.
type Dependencies struct {
	Transcription  TranscriptionService
	Model          ModelStatus
	Refine         RefineService
	Pipeline       PipelineService
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	transcriber  TranscriptionService
	model        ModelStatus
	refiner      RefineService
	pipeline     PipelineService
	metrics      MetricsObserver
	metricsRoute http.Handler
}

type ctxKey string

const (
	requestIDHeader  = "X-Request-Id"
	requestIDContext = ctxKey("request_id")

	notReadyMessage      = "Whisper model not loaded. Please wait for initialization."
	notConfiguredMessage = "Add REFINE_API_KEY to enable refinement"
	rateLimitedMessage   = "Refinement unavailable. Showing raw transcription."

	maxJSONBodyBytes = 1 << 20
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Transcription == nil || deps.Model == nil {
		panic("httpapi: transcription and model dependencies are required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		transcriber:  deps.Transcription,
		model:        deps.Model,
		refiner:      deps.Refine,
		pipeline:     deps.Pipeline,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.AllowedOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           600,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}
	r.Post("/transcribe", s.handleTranscribe)
	if s.refiner != nil {
		r.Post("/refine", s.handleRefine)
		r.Get("/models", s.handleModels)
	}

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{
		Status:      "ok",
		Model:       s.model.Name(),
		ModelLoaded: s.model.Loaded(),
	})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.model.Loaded() {
		s.writeError(w, r, http.StatusServiceUnavailable, "not_ready", notReadyMessage, nil)
		return
	}
	writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, Model: s.model.Name()})
}

func (s *server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	// Checked before the body is parsed so a not-ready service never spills
	// multipart parts to disk.
	if !s.transcriber.Ready() {
		s.writeMappedError(w, r, transcription.ErrNotReady)
		return
	}

	refine, err := parseOptionalBool(r.URL.Query().Get("refine"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "refine must be a boolean", nil)
		return
	}

	data, fileName, form, err := s.readUpload(w, r)
	defer cleanupMultipartForm(form)
	if err != nil {
		s.handleMultipartReadError(w, r, err)
		return
	}
	upload := transcription.Upload{Data: data, FileName: fileName}

	if refine && s.pipeline != nil {
		result, err := s.pipeline.Process(r.Context(), pipeline.ProcessInput{
			Upload:      upload,
			RefineModel: r.URL.Query().Get("refine_model"),
		})
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, model.TranscriptionResponse{
			Text:         result.Text,
			Duration:     result.Duration,
			Language:     result.Language,
			RawText:      result.RawText,
			RefineStatus: result.RefineStatus,
			RefineModel:  result.RefineModel,
		})
		return
	}

	result, err := s.transcriber.Transcribe(r.Context(), upload)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	resp := model.TranscriptionResponse{
		Text:     result.Text,
		Duration: result.Duration,
		Language: result.Language,
	}
	if refine {
		resp.RawText = result.Text
		resp.RefineStatus = pipeline.StatusNotConfigured
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleRefine(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() { _ = r.Body.Close() }()

	var req model.RefineRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return
	}
	if err := ensureBodyFullyConsumed(decoder); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return
	}

	result, err := s.refiner.Refine(r.Context(), postprocess.Input{Text: req.Text, Model: req.Model})
	if err != nil {
		s.writeRefineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, model.RefineResponse{
		Refined: result.Text,
		Model:   result.Model,
		Usage:   toModelTokenUsage(result.Usage),
	})
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.refiner.Models(r.Context())
	if err != nil {
		if errors.Is(err, postprocess.ErrNotConfigured) {
			s.writeError(w, r, http.StatusServiceUnavailable, "refine_not_configured", notConfiguredMessage, nil)
			return
		}
		s.logger.Error("list models failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "models_failed", "Failed to fetch models: "+err.Error(), detailsForError(err))
		return
	}

	resp := model.ModelsResponse{Models: make([]model.ModelInfo, 0, len(models))}
	for _, m := range models {
		resp.Models = append(resp.Models, model.ModelInfo{
			ID:                  m.ID,
			Name:                m.Name,
			Description:         m.Description,
			Pricing:             model.ModelPricing{Prompt: m.PromptPrice, Completion: m.CompletionPrice},
			ContextLength:       m.ContextLength,
			MaxCompletionTokens: m.MaxCompletionTokens,
			IsFree:              m.Free,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, *multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(minInt64(s.cfg.MaxUploadBytes, 8<<20)); err != nil {
		return nil, "", r.MultipartForm, err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", r.MultipartForm, err
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", r.MultipartForm, err
	}
	return data, header.Filename, r.MultipartForm, nil
}

func (s *server) handleMultipartReadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr), strings.Contains(err.Error(), "request body too large"):
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxUploadBytes), nil)
	case errors.Is(err, http.ErrMissingFile):
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart field 'file' is required", nil)
	default:
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid multipart form data", nil)
	}
}

func (s *server) handleJSONDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "JSON body too large", nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body", nil)
}

func (s *server) writeRefineError(w http.ResponseWriter, r *http.Request, err error) {
	var rateErr *postprocess.RateLimitedError
	switch {
	case errors.Is(err, postprocess.ErrEmptyText):
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "No text provided", nil)
	case errors.Is(err, postprocess.ErrNotConfigured):
		s.writeError(w, r, http.StatusServiceUnavailable, "refine_not_configured", notConfiguredMessage, nil)
	case errors.As(err, &rateErr):
		s.writeError(w, r, http.StatusTooManyRequests, "rate_limited", rateLimitedMessage, detailsForError(rateErr.Err))
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, r, http.StatusGatewayTimeout, "timeout", "request timed out", nil)
	case errors.Is(err, context.Canceled):
		s.writeError(w, r, 499, "canceled", "request canceled", nil)
	default:
		s.logger.Error("refinement failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "refine_failed", "Refinement failed: "+err.Error(), detailsForError(err))
	}
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	var failure *transcription.FailureError
	switch {
	case errors.Is(err, transcription.ErrNotReady):
		s.writeError(w, r, http.StatusServiceUnavailable, "model_not_ready", notReadyMessage, nil)
	case errors.Is(err, transcription.ErrEmptyFile):
		s.writeError(w, r, http.StatusBadRequest, "empty_file", "Empty audio file", nil)
	case errors.As(err, &failure):
		s.writeError(w, r, http.StatusInternalServerError, "transcription_failed", "Transcription failed: "+failure.Err.Error(), detailsForError(failure.Err))
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, r, http.StatusGatewayTimeout, "timeout", "request timed out", nil)
	case errors.Is(err, context.Canceled):
		s.writeError(w, r, 499, "canceled", "request canceled", nil)
	default:
		s.logger.Error("unmapped error", "request_id", requestIDFromContext(r.Context()), "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "request failed", detailsForError(err))
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     model.APIError{Code: code, Message: message, Details: details},
		Detail:    message,
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func ensureBodyFullyConsumed(decoder *json.Decoder) error {
	var extra any
	if err := decoder.Decode(&extra); err != io.EOF {
		if err == nil {
			return fmt.Errorf("multiple JSON values")
		}
		return err
	}
	return nil
}

func parseOptionalBool(value string) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, nil
	}
	return strconv.ParseBool(value)
}

func toModelTokenUsage(u *postprocess.TokenUsage) *model.TokenUsage {
	if u == nil {
		return nil
	}
	return &model.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func cleanupMultipartForm(form *multipart.Form) {
	if form != nil {
		_ = form.RemoveAll()
	}
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func newRequestID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func detailsForError(err error) map[string]any {
	if err == nil {
		return nil
	}
	details := map[string]any{"error": err.Error()}
	var upstreamErr *openai.Error
	if errors.As(err, &upstreamErr) {
		details["upstream_status"] = upstreamErr.StatusCode
		if upstreamErr.Body != "" {
			details["upstream_body"] = upstreamErr.Body
		}
	}
	return details
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
