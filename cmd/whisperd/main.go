package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whisperd/internal/config"
	"whisperd/internal/httpapi"
	"whisperd/internal/modelhost"
	"whisperd/internal/observability"
	"whisperd/internal/pipeline"
	"whisperd/internal/postprocess"
	"whisperd/internal/transcription"
	"whisperd/internal/upstream/openai"

	"github.com/joho/godotenv"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	metrics := observability.NewMetrics()

	host := modelhost.New(cfg.ModelName, newLoader(cfg, logger, metrics), logger,
		modelhost.WithStateObserver(metrics.SetModelLoaded))

	transcriptionService := transcription.New(host, transcription.Options{
		TempDir:       cfg.TempDir,
		MaxConcurrent: cfg.MaxConcurrent,
		Logger:        logger,
		Metrics:       metrics,
	})

	refineClient := openai.New(cfg.RefineBaseURL, cfg.RefineAPIKey,
		&http.Client{Timeout: cfg.RefineTimeout, Transport: newTransport()},
		openai.WithObserver(metrics.ObserveUpstream),
		openai.WithHeader("HTTP-Referer", cfg.AllowedOrigin),
		openai.WithHeader("X-Title", "whisperd"),
	)
	refineService := postprocess.New(refineClient, cfg.RefineModel, postprocess.Options{
		Enabled: cfg.RefineAPIKey != "",
		Timeout: cfg.RefineTimeout,
		Logger:  logger,
		Metrics: metrics,
	})
	if !refineService.Enabled() {
		logger.Info("refinement disabled, set REFINE_API_KEY to enable it")
	}
	pipelineService := pipeline.New(transcriptionService, refineService)

	handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
		Transcription:  transcriptionService,
		Model:          host,
		Refine:         refineService,
		Pipeline:       pipelineService,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
	})

	// No WriteTimeout: a transcription runs as long as the engine needs.
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("listen failed", "addr", cfg.ListenAddr, "error", err)
		os.Exit(1)
	}
	logger.Info("server starting", "addr", ln.Addr().String(), "engine", cfg.Engine, "model", cfg.ModelName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, srv, ln, host, logger)
	stop()
	os.Exit(code)
}

// run serves on ln while the model loads in the background and returns the
// process exit code. A load failure is fatal. On every exit path the load is
// cancelled, in-flight requests are drained and only then is the model
// released.
func run(ctx context.Context, srv *http.Server, ln net.Listener, host *modelhost.Host, logger *slog.Logger) int {
	serveErr := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	loadCtx, cancelLoad := context.WithCancel(ctx)
	defer cancelLoad()
	loadErr := make(chan error, 1)
	go func() {
		loadErr <- host.Load(loadCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			cancelLoad()
			return shutdown(srv, host, logger, 0)
		case err := <-serveErr:
			cancelLoad()
			host.Close()
			if err != nil {
				logger.Error("server exited", "error", err)
				return 1
			}
			return 0
		case err := <-loadErr:
			loadErr = nil
			if err != nil && ctx.Err() == nil {
				logger.Error("model load failed", "model", host.Name(), "error", err)
				cancelLoad()
				return shutdown(srv, host, logger, 1)
			}
		}
	}
}

func shutdown(srv *http.Server, host *modelhost.Host, logger *slog.Logger, code int) int {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		code = 1
	}
	host.Close()
	logger.Info("server stopped")
	return code
}

func newLoader(cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) modelhost.Loader {
	if cfg.Engine == config.EngineOpenAI {
		upstreamHTTPClient := &http.Client{Timeout: cfg.UpstreamTimeout, Transport: newTransport()}
		upstreamClient := openai.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, upstreamHTTPClient, openai.WithObserver(metrics.ObserveUpstream))
		return modelhost.OpenAILoader(upstreamClient, cfg.ModelName)
	}
	return modelhost.WhisperCppLoader(cfg, logger)
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
