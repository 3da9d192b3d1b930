// Package modelhost owns the process-wide speech-to-text model handle.
//
// The handle is set once by Load and cleared once by Close. Readers never
// block: Engine returns nil whenever the handle is absent.
package modelhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"whisperd/internal/whisper"
)

var (
	ErrAlreadyLoaded = errors.New("model host already loaded")
	ErrClosed        = errors.New("model host closed")
)

// Loader builds the engine. It may be slow (model download, probing).
type Loader func(ctx context.Context) (whisper.Engine, error)

type Option func(*Host)

// WithStateObserver is called with true after Load succeeds and false on Close.
func WithStateObserver(fn func(loaded bool)) Option {
	return func(h *Host) {
		h.onState = fn
	}
}

type Host struct {
	name    string
	loader  Loader
	logger  *slog.Logger
	onState func(bool)

	mu      sync.Mutex
	started bool
	closed  bool
	handle  atomic.Pointer[handle]
}

type handle struct {
	engine whisper.Engine
}

func New(name string, loader Loader, logger *slog.Logger, opts ...Option) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{name: name, loader: loader, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *Host) Name() string {
	return h.name
}

// Load runs the loader at most once per Host. The loader runs without the
// lock held, so Close never waits on a slow load; an engine that finishes
// loading after Close is discarded.
func (h *Host) Load(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.started {
		h.mu.Unlock()
		return ErrAlreadyLoaded
	}
	h.started = true
	h.mu.Unlock()

	h.logger.Info("loading model", "model", h.name)
	started := time.Now()
	engine, err := h.loader(ctx)
	if err != nil {
		return fmt.Errorf("load model %q: %w", h.name, err)
	}
	if engine == nil {
		return fmt.Errorf("load model %q: loader returned no engine", h.name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.logger.Info("model loaded after close, discarding", "model", h.name)
		return ErrClosed
	}
	h.handle.Store(&handle{engine: engine})
	h.logger.Info("model loaded", "model", h.name, "duration_ms", time.Since(started).Milliseconds())
	if h.onState != nil {
		h.onState(true)
	}
	return nil
}

// Engine returns the loaded engine or nil.
func (h *Host) Engine() whisper.Engine {
	if p := h.handle.Load(); p != nil {
		return p.engine
	}
	return nil
}

func (h *Host) Loaded() bool {
	return h.handle.Load() != nil
}

// Close releases the handle. In-flight calls keep the engine they already hold.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.handle.Swap(nil) != nil {
		h.logger.Info("model released", "model", h.name)
		if h.onState != nil {
			h.onState(false)
		}
	}
}
