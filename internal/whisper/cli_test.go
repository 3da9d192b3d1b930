package whisper

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleOutput = `{
  "result": {"language": "en"},
  "transcription": [
    {"timestamps": {"from": "00:00:00,000", "to": "00:00:01,500"}, "offsets": {"from": 0, "to": 1500}, "text": " Hello"},
    {"timestamps": {"from": "00:00:01,500", "to": "00:00:03,240"}, "offsets": {"from": 1500, "to": 3240}, "text": " world."}
  ]
}`

// fakeWhisper writes a whisper-cli stand-in that records its arguments and
// emits sampleOutput to <-of>.json.
func fakeWhisper(t *testing.T, dir string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}

	script := `#!/bin/sh
out=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-of" ]; then out="$arg"; fi
  prev="$arg"
done
echo "$@" > "` + filepath.Join(dir, "args.txt") + `"
cat > "$out.json" <<'EOF'
` + sampleOutput + `
EOF
`
	path := filepath.Join(dir, "whisper-cli")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func failingScript(t *testing.T, dir, name, stderr string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho '"+stderr+"' >&2\nexit 1\n"), 0o755))
	return path
}

func newTestEngine(t *testing.T, executable, ffmpeg string) (*CLIEngine, string) {
	t.Helper()

	dir := t.TempDir()
	model := filepath.Join(dir, "ggml-tiny.bin")
	require.NoError(t, os.WriteFile(model, []byte("model"), 0o644))
	tempDir := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(tempDir, 0o755))

	engine, err := NewCLIEngine(CLIOptions{
		Executable: executable,
		ModelPath:  model,
		FFmpeg:     ffmpeg,
		Threads:    4,
		TempDir:    tempDir,
	})
	require.NoError(t, err)
	return engine, tempDir
}

func TestCLIEngineParsesJSONOutput(t *testing.T) {
	t.Parallel()

	bin := t.TempDir()
	engine, tempDir := newTestEngine(t, fakeWhisper(t, bin), "")

	audio := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o644))

	res, err := engine.Transcribe(context.Background(), audio)
	require.NoError(t, err)
	require.Equal(t, " Hello world.", res.Text)
	require.Equal(t, "en", res.Language)
	require.Len(t, res.Segments, 2)
	require.InDelta(t, 3.24, res.Segments[1].End, 1e-9)
	require.Equal(t, "world.", res.Segments[1].Text)

	args, err := os.ReadFile(filepath.Join(bin, "args.txt"))
	require.NoError(t, err)
	require.Contains(t, string(args), "-f "+audio)
	require.Contains(t, string(args), "-l auto")
	require.Contains(t, string(args), "-t 4")

	leftovers, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	require.Empty(t, leftovers, "engine output files should be removed")
}

func TestCLIEngineConvertsWithFFmpeg(t *testing.T) {
	t.Parallel()

	bin := t.TempDir()
	ffmpeg := filepath.Join(bin, "ffmpeg")
	// Copies the -i input to the final argument.
	require.NoError(t, os.WriteFile(ffmpeg, []byte(`#!/bin/sh
in=""
prev=""
last=""
for arg in "$@"; do
  if [ "$prev" = "-i" ]; then in="$arg"; fi
  prev="$arg"
  last="$arg"
done
cp "$in" "$last"
`), 0o755))

	engine, tempDir := newTestEngine(t, fakeWhisper(t, bin), ffmpeg)

	audio := filepath.Join(t.TempDir(), "clip.webm")
	require.NoError(t, os.WriteFile(audio, []byte("webm"), 0o644))

	res, err := engine.Transcribe(context.Background(), audio)
	require.NoError(t, err)
	require.Len(t, res.Segments, 2)

	args, err := os.ReadFile(filepath.Join(bin, "args.txt"))
	require.NoError(t, err)
	require.NotContains(t, string(args), audio)
	require.Contains(t, string(args), ".wav")

	leftovers, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	require.Empty(t, leftovers, "converted wav should be removed")
}

func TestCLIEngineReportsEngineFailure(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t, failingScript(t, t.TempDir(), "whisper-cli", "failed to read audio"), "")

	_, err := engine.Transcribe(context.Background(), "/tmp/whatever.wav")
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read audio")
}

func TestCLIEngineReportsConversionFailure(t *testing.T) {
	t.Parallel()

	bin := t.TempDir()
	engine, _ := newTestEngine(t, fakeWhisper(t, bin), failingScript(t, bin, "ffmpeg", "Invalid data found"))

	_, err := engine.Transcribe(context.Background(), "/tmp/whatever.webm")
	require.Error(t, err)
	require.Contains(t, err.Error(), "audio conversion failed")
	require.Contains(t, err.Error(), "Invalid data found")
}

func TestNewCLIEngineRequiresModelFile(t *testing.T) {
	t.Parallel()

	_, err := NewCLIEngine(CLIOptions{Executable: "sh", ModelPath: filepath.Join(t.TempDir(), "missing.bin")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model file unavailable")
}

func TestNewCLIEngineRequiresExecutable(t *testing.T) {
	t.Parallel()

	model := filepath.Join(t.TempDir(), "ggml-tiny.bin")
	require.NoError(t, os.WriteFile(model, []byte("model"), 0o644))

	_, err := NewCLIEngine(CLIOptions{Executable: "definitely-not-whisper-cli", ModelPath: model})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestParseCLIOutputWithoutSegments(t *testing.T) {
	t.Parallel()

	res, err := parseCLIOutput([]byte(`{"result":{"language":"ja"},"transcription":[]}`))
	require.NoError(t, err)
	require.Empty(t, res.Segments)
	require.Equal(t, "ja", res.Language)
	require.Equal(t, "", res.Text)

	_, err = parseCLIOutput([]byte("not json"))
	require.Error(t, err)
}

func TestIsMissingSharedLibraryError(t *testing.T) {
	t.Parallel()

	require.True(t, isMissingSharedLibraryError("error while loading shared libraries: libwhisper.so.1: cannot open shared object file"))
	require.True(t, isMissingSharedLibraryError("dyld: Library not loaded: @rpath/libwhisper.dylib"))
	require.False(t, isMissingSharedLibraryError("some other runtime error"))
}
