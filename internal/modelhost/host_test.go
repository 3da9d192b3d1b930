package modelhost

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whisperd/internal/config"
	"whisperd/internal/upstream/openai"
	"whisperd/internal/whisper"
)

type nopEngine struct{}

func (nopEngine) Transcribe(context.Context, string) (whisper.Result, error) {
	return whisper.Result{}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHostLifecycle(t *testing.T) {
	t.Parallel()

	var states []bool
	h := New("small", func(context.Context) (whisper.Engine, error) {
		return nopEngine{}, nil
	}, discardLogger(), WithStateObserver(func(loaded bool) { states = append(states, loaded) }))

	require.Equal(t, "small", h.Name())
	require.False(t, h.Loaded())
	require.Nil(t, h.Engine())

	require.NoError(t, h.Load(context.Background()))
	require.True(t, h.Loaded())
	require.NotNil(t, h.Engine())

	require.ErrorIs(t, h.Load(context.Background()), ErrAlreadyLoaded)

	h.Close()
	require.False(t, h.Loaded())
	require.Nil(t, h.Engine())
	require.ErrorIs(t, h.Load(context.Background()), ErrClosed)

	h.Close()
	require.Equal(t, []bool{true, false}, states)
}

func TestHostLoadFailureLeavesHandleAbsent(t *testing.T) {
	t.Parallel()

	boom := errors.New("bad weights")
	calls := 0
	h := New("small", func(context.Context) (whisper.Engine, error) {
		calls++
		return nil, boom
	}, discardLogger())

	err := h.Load(context.Background())
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), `load model "small"`)
	require.False(t, h.Loaded())

	require.ErrorIs(t, h.Load(context.Background()), ErrAlreadyLoaded)
	require.Equal(t, 1, calls)
}

func TestHostCloseDoesNotWaitForSlowLoad(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var states []bool
	h := New("small", func(context.Context) (whisper.Engine, error) {
		close(entered)
		<-release
		return nopEngine{}, nil
	}, discardLogger(), WithStateObserver(func(loaded bool) { states = append(states, loaded) }))

	loadErr := make(chan error, 1)
	go func() { loadErr <- h.Load(context.Background()) }()
	<-entered

	closed := make(chan struct{})
	go func() {
		h.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind an in-flight Load")
	}

	close(release)
	require.ErrorIs(t, <-loadErr, ErrClosed)
	require.False(t, h.Loaded())
	require.Nil(t, h.Engine())
	require.Empty(t, states)
}

func TestHostRejectsNilEngine(t *testing.T) {
	t.Parallel()

	h := New("small", func(context.Context) (whisper.Engine, error) { return nil, nil }, discardLogger())
	require.Error(t, h.Load(context.Background()))
	require.False(t, h.Loaded())
}

func TestWhisperCppLoaderFailsWithoutModelWhenDownloadDisabled(t *testing.T) {
	t.Parallel()

	loader := WhisperCppLoader(config.Config{
		ModelName:      "tiny",
		ModelDir:       t.TempDir(),
		WhisperCLIPath: "whisper-cli",
	}, discardLogger())

	_, err := loader(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "MODEL_AUTO_DOWNLOAD")
}

func TestWhisperCppLoaderUsesCustomModelPath(t *testing.T) {
	t.Parallel()

	model := filepath.Join(t.TempDir(), "ggml-custom.bin")
	require.NoError(t, os.WriteFile(model, []byte("weights"), 0o644))

	loader := WhisperCppLoader(config.Config{
		ModelName:      model,
		WhisperCLIPath: "sh",
		TempDir:        t.TempDir(),
	}, discardLogger())

	engine, err := loader(context.Background())
	require.NoError(t, err)
	require.IsType(t, &whisper.CLIEngine{}, engine)
}

func TestOpenAILoaderChecksServer(t *testing.T) {
	t.Parallel()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer up.Close()

	engine, err := OpenAILoader(openai.New(up.URL, "", up.Client()), "small")(context.Background())
	require.NoError(t, err)
	require.NotNil(t, engine)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	_, err = OpenAILoader(openai.New(down.URL, "", down.Client()), "small")(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "speech server not reachable")
}
