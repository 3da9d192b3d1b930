package openai

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"whisperd/internal/whisper"
)

// Engine adapts Client to whisper.Engine by uploading the staged file.
type Engine struct {
	client *Client
	model  string
}

func NewEngine(client *Client, model string) *Engine {
	return &Engine{client: client, model: model}
}

func (e *Engine) Transcribe(ctx context.Context, path string) (whisper.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return whisper.Result{}, fmt.Errorf("open staged audio: %w", err)
	}
	defer f.Close()

	tr, err := e.client.Transcribe(ctx, f, filepath.Base(path), e.model)
	if err != nil {
		return whisper.Result{}, err
	}

	segments := make([]whisper.Segment, 0, len(tr.Segments))
	for _, s := range tr.Segments {
		segments = append(segments, whisper.Segment{Start: s.Start, End: s.End, Text: s.Text})
	}

	return whisper.Result{Text: tr.Text, Language: tr.Language, Segments: segments}, nil
}
