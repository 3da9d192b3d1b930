package modelhost

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"whisperd/internal/config"
	"whisperd/internal/download"
	"whisperd/internal/upstream/openai"
	"whisperd/internal/whisper"
)

// WhisperCppLoader resolves the configured ggml model, fetching a missing
// named tier when auto download is on, and checks the whisper-cli binary.
func WhisperCppLoader(cfg config.Config, logger *slog.Logger) Loader {
	return func(ctx context.Context) (whisper.Engine, error) {
		mf, err := whisper.ResolveModelFile(cfg.ModelName, cfg.ModelDir)
		if err != nil {
			return nil, err
		}

		if !mf.Present {
			if !cfg.ModelAutoDownload {
				return nil, fmt.Errorf("model file %s is missing and MODEL_AUTO_DOWNLOAD is off", mf.Path)
			}
			logger.Info("downloading model", "model", mf.Name, "url", mf.Tier.URL, "path", mf.Path)
			err := download.File(ctx, download.Options{
				URL:         mf.Tier.URL,
				Destination: mf.Path,
				SHA256:      mf.Tier.SHA256,
				Progress:    os.Stderr,
				Logger:      logger,
			})
			if err != nil {
				return nil, fmt.Errorf("download model: %w", err)
			}
		}

		return whisper.NewCLIEngine(whisper.CLIOptions{
			Executable: cfg.WhisperCLIPath,
			ModelPath:  mf.Path,
			FFmpeg:     cfg.FFmpegPath,
			Language:   cfg.Language,
			Threads:    cfg.WhisperThreads,
			TempDir:    cfg.TempDir,
			Logger:     logger,
		})
	}
}

// OpenAILoader checks that the speech server answers /models and returns an
// engine bound to the configured model name.
func OpenAILoader(client *openai.Client, model string) Loader {
	return func(ctx context.Context) (whisper.Engine, error) {
		if err := client.CheckModels(ctx); err != nil {
			return nil, fmt.Errorf("speech server not reachable: %w", err)
		}
		return openai.NewEngine(client, model), nil
	}
}
