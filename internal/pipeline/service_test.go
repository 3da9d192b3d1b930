package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"whisperd/internal/postprocess"
	"whisperd/internal/transcription"
)

type fakeTranscriber struct {
	result transcription.Result
	err    error
	upload transcription.Upload
}

func (f *fakeTranscriber) Transcribe(_ context.Context, up transcription.Upload) (transcription.Result, error) {
	f.upload = up
	return f.result, f.err
}

type fakeRefiner struct {
	result postprocess.Result
	err    error
	input  postprocess.Input
	called bool
}

func (f *fakeRefiner) Refine(_ context.Context, in postprocess.Input) (postprocess.Result, error) {
	f.called = true
	f.input = in
	return f.result, f.err
}

func rawResult() transcription.Result {
	return transcription.Result{Text: "um hello there", Duration: 2.5, Language: "en"}
}

func TestProcessRefinesTranscript(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{result: rawResult()}
	rf := &fakeRefiner{result: postprocess.Result{Text: "Hello there.", Model: "m"}}
	svc := New(tr, rf)

	res, err := svc.Process(context.Background(), ProcessInput{
		Upload:      transcription.Upload{Data: []byte("audio"), FileName: "a.webm"},
		RefineModel: "m",
	})
	require.NoError(t, err)
	require.Equal(t, "Hello there.", res.Text)
	require.Equal(t, "um hello there", res.RawText)
	require.Equal(t, 2.5, res.Duration)
	require.Equal(t, "en", res.Language)
	require.Equal(t, StatusSucceeded, res.RefineStatus)
	require.Equal(t, "m", res.RefineModel)
	require.Equal(t, "a.webm", tr.upload.FileName)
	require.Equal(t, postprocess.Input{Text: "um hello there", Model: "m"}, rf.input)
}

func TestProcessFallsBackToRawTranscript(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err    error
		status string
	}{
		"failure":        {errors.New("boom"), StatusFailed},
		"not configured": {postprocess.ErrNotConfigured, StatusNotConfigured},
		"rate limited":   {&postprocess.RateLimitedError{Err: errors.New("429")}, StatusRateLimited},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			svc := New(&fakeTranscriber{result: rawResult()}, &fakeRefiner{err: tc.err})
			res, err := svc.Process(context.Background(), ProcessInput{})
			require.NoError(t, err)
			require.Equal(t, "um hello there", res.Text)
			require.Equal(t, "um hello there", res.RawText)
			require.Equal(t, tc.status, res.RefineStatus)
			require.Empty(t, res.RefineModel)
		})
	}
}

func TestProcessSkipsRefinementForEmptyTranscript(t *testing.T) {
	t.Parallel()

	rf := &fakeRefiner{}
	svc := New(&fakeTranscriber{result: transcription.Result{Language: "en"}}, rf)

	res, err := svc.Process(context.Background(), ProcessInput{})
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, res.RefineStatus)
	require.False(t, rf.called)
}

func TestProcessReturnsTranscriptionErrors(t *testing.T) {
	t.Parallel()

	rf := &fakeRefiner{}
	svc := New(&fakeTranscriber{err: transcription.ErrNotReady}, rf)

	_, err := svc.Process(context.Background(), ProcessInput{})
	require.ErrorIs(t, err, transcription.ErrNotReady)
	require.False(t, rf.called)
}
