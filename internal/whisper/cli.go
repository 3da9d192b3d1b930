package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type CLIOptions struct {
	// Executable is the whisper.cpp CLI, either a path or a name on PATH.
	Executable string
	ModelPath  string
	// FFmpeg converts input to 16 kHz mono WAV before decoding. Empty feeds
	// the input to whisper-cli as is.
	FFmpeg   string
	Language string
	Threads  int
	TempDir  string
	Logger   *slog.Logger
}

// CLIEngine shells out to whisper-cli once per call, so concurrent calls
// share nothing but the read-only model file.
type CLIEngine struct {
	executable string
	modelPath  string
	ffmpeg     string
	language   string
	threads    int
	tempDir    string
	logger     *slog.Logger
}

func NewCLIEngine(opts CLIOptions) (*CLIEngine, error) {
	if strings.TrimSpace(opts.ModelPath) == "" {
		return nil, errors.New("model path is required")
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("model file unavailable: %w", err)
	}

	executable, err := exec.LookPath(strings.TrimSpace(opts.Executable))
	if err != nil {
		return nil, fmt.Errorf("whisper engine %q not found: %w", opts.Executable, err)
	}

	ffmpeg := strings.TrimSpace(opts.FFmpeg)
	if ffmpeg != "" {
		ffmpeg, err = exec.LookPath(ffmpeg)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg %q not found: %w", opts.FFmpeg, err)
		}
	}

	language := strings.ToLower(strings.TrimSpace(opts.Language))
	if language == "" {
		language = "auto"
	}
	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &CLIEngine{
		executable: executable,
		modelPath:  opts.ModelPath,
		ffmpeg:     ffmpeg,
		language:   language,
		threads:    opts.Threads,
		tempDir:    tempDir,
		logger:     logger,
	}, nil
}

func (e *CLIEngine) Transcribe(ctx context.Context, path string) (Result, error) {
	if strings.TrimSpace(path) == "" {
		return Result{}, errors.New("audio path is required")
	}

	outBase := filepath.Join(e.tempDir, "whisperd-"+uuid.NewString())

	input := path
	if e.ffmpeg != "" {
		wavPath := outBase + ".wav"
		defer removeQuietly(wavPath)
		if err := e.convert(ctx, path, wavPath); err != nil {
			return Result{}, err
		}
		input = wavPath
	}

	jsonPath := outBase + ".json"
	defer removeQuietly(jsonPath)

	args := []string{"-m", e.modelPath, "-f", input, "-oj", "-of", outBase, "-np", "-l", e.language}
	if e.threads > 0 {
		args = append(args, "-t", strconv.Itoa(e.threads))
	}

	e.logger.Debug("running whisper engine", "engine", e.executable, "args", args)
	if stderr, err := run(ctx, e.executable, args); err != nil {
		if isMissingSharedLibraryError(stderr) {
			return Result{}, fmt.Errorf("whisper engine at %s is missing shared libraries: %s", e.executable, stderr)
		}
		return Result{}, fmt.Errorf("whisper engine failed: %w (%s)", err, stderr)
	}

	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		return Result{}, fmt.Errorf("read whisper output: %w", err)
	}
	return parseCLIOutput(raw)
}

func (e *CLIEngine) convert(ctx context.Context, src, dst string) error {
	args := []string{"-nostdin", "-y", "-loglevel", "error", "-i", src, "-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le", dst}
	if stderr, err := run(ctx, e.ffmpeg, args); err != nil {
		return fmt.Errorf("audio conversion failed: %w (%s)", err, stderr)
	}
	return nil
}

func run(ctx context.Context, name string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return tail(strings.TrimSpace(stderr.String()), 2048), err
}

type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseCLIOutput(raw []byte) (Result, error) {
	var out cliOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("invalid whisper output: %w", err)
	}

	var text strings.Builder
	segments := make([]Segment, 0, len(out.Transcription))
	for _, item := range out.Transcription {
		text.WriteString(item.Text)
		segments = append(segments, Segment{
			Start: float64(item.Offsets.From) / 1000,
			End:   float64(item.Offsets.To) / 1000,
			Text:  strings.TrimSpace(item.Text),
		})
	}

	return Result{
		Text:     text.String(),
		Language: out.Result.Language,
		Segments: segments,
	}, nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(stderr)
	for _, pattern := range []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
	} {
		if strings.Contains(value, pattern) {
			return true
		}
	}
	return false
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}
