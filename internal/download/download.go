// Package download fetches model weights into the model directory.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

type Options struct {
	URL         string
	Destination string
	SHA256      string
	Retries     int
	// Progress receives a progress bar when it is a terminal. Nil disables it.
	Progress   *os.File
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ChecksumError reports a body whose digest did not match the pinned value.
type ChecksumError struct {
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// File downloads URL to Destination through a ".part" sibling that is
// renamed into place only after the checksum matches.
func File(ctx context.Context, opts Options) error {
	if opts.URL == "" {
		return errors.New("download URL is required")
	}
	if opts.Destination == "" {
		return errors.New("destination path is required")
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(opts.Destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	expected := strings.ToLower(strings.TrimSpace(opts.SHA256))
	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if attempt > 1 {
			opts.Logger.Warn("retrying download", "attempt", attempt, "max", opts.Retries, "url", opts.URL, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		lastErr = fetch(ctx, opts, expected)
		if lastErr == nil {
			return nil
		}
		var sumErr *ChecksumError
		if errors.As(lastErr, &sumErr) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func fetch(ctx context.Context, opts Options, expected string) error {
	partPath := opts.Destination + ".part"
	_ = os.Remove(partPath)

	out, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("create partial file: %w", err)
	}
	done := false
	defer func() {
		_ = out.Close()
		if !done {
			_ = os.Remove(partPath)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "whisperd/1")

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	hash := sha256.New()
	var sink io.Writer = io.MultiWriter(out, hash)
	bar := newBar(opts.Progress, resp.ContentLength)
	if bar != nil {
		sink = io.MultiWriter(out, hash, bar)
	}

	if _, err := io.Copy(sink, resp.Body); err != nil {
		return fmt.Errorf("download body: %w", err)
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync partial file: %w", err)
	}

	actual := hex.EncodeToString(hash.Sum(nil))
	if expected != "" && actual != expected {
		return &ChecksumError{Expected: expected, Actual: actual}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close partial file: %w", err)
	}
	if err := os.Rename(partPath, opts.Destination); err != nil {
		return fmt.Errorf("move partial file into place: %w", err)
	}
	done = true
	return nil
}

func newBar(w *os.File, size int64) *progressbar.ProgressBar {
	if w == nil || size <= 0 || !term.IsTerminal(int(w.Fd())) {
		return nil
	}
	return progressbar.NewOptions64(
		size,
		progressbar.OptionSetDescription("downloading model"),
		progressbar.OptionSetWidth(20),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetWriter(w),
		progressbar.OptionClearOnFinish(),
	)
}
