package transcription

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	defaultExtension = ".webm"
	maxExtensionLen  = 10
)

// stagedName is unique per call, so concurrent requests never share a path.
func stagedName(fileName string) string {
	return "audio_" + uuid.NewString() + extension(fileName)
}

// extension keeps the client's extension when it is a plain short suffix,
// since engines and converters sniff formats by it.
func extension(fileName string) string {
	ext := filepath.Ext(strings.TrimSpace(fileName))
	if len(ext) < 2 || len(ext) > maxExtensionLen {
		return defaultExtension
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return defaultExtension
		}
	}
	return ext
}

func stage(dir string, up Upload) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, stagedName(up.FileName))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	_, werr := f.Write(up.Data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write staged file: %w", err)
	}
	return path, nil
}

func unstage(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
