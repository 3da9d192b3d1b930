package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
)

const (
	EngineWhisperCpp = "whispercpp"
	EngineOpenAI     = "openai"
)

type Config struct {
	ListenAddr        string
	AllowedOrigin     string
	Engine            string
	ModelName         string
	ModelDir          string
	ModelAutoDownload bool
	WhisperCLIPath    string
	FFmpegPath        string
	WhisperThreads    int
	Language          string
	UpstreamBaseURL   string
	UpstreamAPIKey    string
	UpstreamTimeout   time.Duration
	MaxUploadBytes    int64
	MaxConcurrent     int
	TempDir           string
	LogLevel          string

	RefineBaseURL string
	RefineAPIKey  string
	RefineModel   string
	RefineTimeout time.Duration
}

type envConfig struct {
	ListenAddr             string `env:"LISTEN_ADDR" envDefault:":8000"`
	AllowedOrigin          string `env:"ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
	Engine                 string `env:"ENGINE" envDefault:"whispercpp"`
	ModelName              string `env:"MODEL_NAME" envDefault:"small"`
	ModelDir               string `env:"MODEL_DIR" envDefault:"./models"`
	ModelAutoDownload      bool   `env:"MODEL_AUTO_DOWNLOAD" envDefault:"true"`
	WhisperCLIPath         string `env:"WHISPER_CLI_PATH" envDefault:"whisper-cli"`
	FFmpegPath             string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	WhisperThreads         int    `env:"WHISPER_THREADS" envDefault:"0"`
	Language               string `env:"TRANSCRIPTION_LANGUAGE" envDefault:"auto"`
	UpstreamBaseURL        string `env:"UPSTREAM_BASE_URL" envDefault:"http://127.0.0.1:8080/v1"`
	UpstreamAPIKey         string `env:"UPSTREAM_API_KEY"`
	UpstreamTimeoutSeconds int    `env:"UPSTREAM_TIMEOUT_SECONDS" envDefault:"0"`
	MaxUploadBytes         int64  `env:"MAX_UPLOAD_BYTES" envDefault:"104857600"`
	MaxConcurrent          int    `env:"MAX_CONCURRENT_TRANSCRIPTIONS" envDefault:"0"`
	TempDir                string `env:"TEMP_DIR"`
	LogLevel               string `env:"LOG_LEVEL" envDefault:"info"`

	RefineBaseURL        string `env:"REFINE_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	RefineAPIKey         string `env:"REFINE_API_KEY"`
	OpenRouterAPIKey     string `env:"OPENROUTER_API_KEY"`
	RefineModel          string `env:"REFINE_MODEL" envDefault:"xiaomi/mimo-v2-flash:free"`
	RefineTimeoutSeconds int    `env:"REFINE_TIMEOUT_SECONDS" envDefault:"30"`
}

func Load() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:        strings.TrimSpace(raw.ListenAddr),
		AllowedOrigin:     strings.TrimRight(strings.TrimSpace(raw.AllowedOrigin), "/"),
		Engine:            strings.ToLower(strings.TrimSpace(raw.Engine)),
		ModelName:         strings.TrimSpace(raw.ModelName),
		ModelDir:          strings.TrimSpace(raw.ModelDir),
		ModelAutoDownload: raw.ModelAutoDownload,
		WhisperCLIPath:    strings.TrimSpace(raw.WhisperCLIPath),
		FFmpegPath:        strings.TrimSpace(raw.FFmpegPath),
		WhisperThreads:    raw.WhisperThreads,
		Language:          strings.ToLower(strings.TrimSpace(raw.Language)),
		UpstreamBaseURL:   strings.TrimRight(strings.TrimSpace(raw.UpstreamBaseURL), "/"),
		UpstreamAPIKey:    strings.TrimSpace(raw.UpstreamAPIKey),
		UpstreamTimeout:   time.Duration(raw.UpstreamTimeoutSeconds) * time.Second,
		MaxUploadBytes:    raw.MaxUploadBytes,
		MaxConcurrent:     raw.MaxConcurrent,
		TempDir:           strings.TrimSpace(raw.TempDir),
		LogLevel:          strings.ToLower(strings.TrimSpace(raw.LogLevel)),
		RefineBaseURL:     strings.TrimRight(strings.TrimSpace(raw.RefineBaseURL), "/"),
		RefineAPIKey:      strings.TrimSpace(raw.RefineAPIKey),
		RefineModel:       strings.TrimSpace(raw.RefineModel),
		RefineTimeout:     time.Duration(raw.RefineTimeoutSeconds) * time.Second,
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.RefineAPIKey == "" {
		cfg.RefineAPIKey = strings.TrimSpace(raw.OpenRouterAPIKey)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.AllowedOrigin == "" {
		return errors.New("ALLOWED_ORIGIN must not be empty")
	}
	if c.ModelName == "" {
		return errors.New("MODEL_NAME must not be empty")
	}
	switch c.Engine {
	case EngineWhisperCpp:
		if c.WhisperCLIPath == "" {
			return errors.New("WHISPER_CLI_PATH must not be empty")
		}
	case EngineOpenAI:
		if c.UpstreamBaseURL == "" {
			return errors.New("UPSTREAM_BASE_URL must not be empty")
		}
	default:
		return fmt.Errorf("ENGINE must be %q or %q, got %q", EngineWhisperCpp, EngineOpenAI, c.Engine)
	}
	if c.WhisperThreads < 0 {
		return errors.New("WHISPER_THREADS must be >= 0")
	}
	if c.UpstreamTimeout < 0 {
		return errors.New("UPSTREAM_TIMEOUT_SECONDS must be >= 0")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.MaxConcurrent < 0 {
		return errors.New("MAX_CONCURRENT_TRANSCRIPTIONS must be >= 0")
	}
	if c.RefineBaseURL == "" {
		return errors.New("REFINE_BASE_URL must not be empty")
	}
	if c.RefineModel == "" {
		return errors.New("REFINE_MODEL must not be empty")
	}
	if c.RefineTimeout <= 0 {
		return errors.New("REFINE_TIMEOUT_SECONDS must be > 0")
	}
	return nil
}
