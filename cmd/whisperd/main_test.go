package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whisperd/internal/modelhost"
	"whisperd/internal/whisper"
)

type nopEngine struct{}

func (nopEngine) Transcribe(context.Context, string) (whisper.Result, error) {
	return whisper.Result{}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func runAsync(ctx context.Context, srv *http.Server, ln net.Listener, host *modelhost.Host) <-chan int {
	done := make(chan int, 1)
	go func() { done <- run(ctx, srv, ln, host, discardLogger()) }()
	return done
}

func waitCode(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
		return -1
	}
}

func TestRunExitsWhenModelLoadFails(t *testing.T) {
	ln := listen(t)
	addr := ln.Addr().String()
	host := modelhost.New("small", func(context.Context) (whisper.Engine, error) {
		return nil, errors.New("bad weights")
	}, discardLogger())
	srv := &http.Server{Handler: http.NotFoundHandler()}

	code := waitCode(t, runAsync(context.Background(), srv, ln, host))

	require.Equal(t, 1, code)
	require.False(t, host.Loaded())
	_, err := net.DialTimeout("tcp", addr, time.Second)
	require.Error(t, err, "listener should be closed after a failed load")
}

func TestRunDrainsRequestsBeforeReleasingModel(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	host := modelhost.New("small", func(context.Context) (whisper.Engine, error) {
		return nopEngine{}, nil
	}, discardLogger(), modelhost.WithStateObserver(func(loaded bool) {
		if !loaded {
			record("model released")
		}
	}))

	entered := make(chan struct{})
	release := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		record("request finished")
		w.WriteHeader(http.StatusOK)
	})}

	ln := listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, srv, ln, host)

	require.Eventually(t, host.Loaded, 2*time.Second, 10*time.Millisecond)

	respErr := make(chan error, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/transcribe")
		if err == nil {
			_ = resp.Body.Close()
		}
		respErr <- err
	}()
	<-entered

	cancel()
	time.Sleep(50 * time.Millisecond)
	require.True(t, host.Loaded(), "model released while a request was in flight")
	close(release)

	require.Equal(t, 0, waitCode(t, done))
	require.NoError(t, <-respErr)
	require.False(t, host.Loaded())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"request finished", "model released"}, events)
}

func TestRunServeFailureDoesNotWaitForLoad(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	host := modelhost.New("small", func(context.Context) (whisper.Engine, error) {
		<-block
		return nopEngine{}, nil
	}, discardLogger())

	ln := listen(t)
	require.NoError(t, ln.Close())
	srv := &http.Server{Handler: http.NotFoundHandler()}

	start := time.Now()
	code := waitCode(t, runAsync(context.Background(), srv, ln, host))

	require.Equal(t, 1, code)
	require.Less(t, time.Since(start), 2*time.Second)
	require.False(t, host.Loaded())
}
