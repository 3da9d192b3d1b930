// Package whisper runs speech-to-text engines against audio files on disk.
package whisper

import "context"

// Segment is one recognized span of speech. Start and End are seconds from
// the beginning of the audio.
type Segment struct {
	Start float64
	End   float64
	Text  string
}

// Result is the raw engine output. Language is empty when the engine did not
// report one.
type Result struct {
	Text     string
	Language string
	Segments []Segment
}

// Engine transcribes the audio file at path. Implementations must be safe for
// concurrent use.
type Engine interface {
	Transcribe(ctx context.Context, path string) (Result, error)
}
