package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BackgroundScheduler registers a named periodic callback with the host. The
// host decides when it actually fires; minInterval is only a floor.
type BackgroundScheduler interface {
	Register(name string, minInterval time.Duration, fn func(context.Context)) error
	Unregister(name string) error
}

var errBadInterval = errors.New("background interval must be positive")

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// TickerBackground runs each registered callback on its own ticker goroutine.
type TickerBackground struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

func NewTickerBackground(logger *slog.Logger) *TickerBackground {
	return &TickerBackground{
		logger: logger.With("component", "background"),
		jobs:   make(map[string]*job),
	}
}

// Register replaces any callback already registered under name. The first
// call happens one interval after registration.
func (b *TickerBackground) Register(name string, minInterval time.Duration, fn func(context.Context)) error {
	if minInterval <= 0 {
		return errBadInterval
	}
	_ = b.Unregister(name)

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.jobs[name] = j
	b.mu.Unlock()

	go func() {
		defer close(j.done)
		ticker := time.NewTicker(minInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	b.logger.Info("background task registered", "name", name, "interval", minInterval.String())
	return nil
}

// Unregister stops the callback and waits for a running invocation to
// return. Unknown names are ignored.
func (b *TickerBackground) Unregister(name string) error {
	b.mu.Lock()
	j, ok := b.jobs[name]
	delete(b.jobs, name)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	j.cancel()
	<-j.done
	b.logger.Info("background task unregistered", "name", name)
	return nil
}

// Registered reports whether name currently has a callback.
func (b *TickerBackground) Registered(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.jobs[name]
	return ok
}

func (b *TickerBackground) Close() {
	b.mu.Lock()
	names := make([]string, 0, len(b.jobs))
	for n := range b.jobs {
		names = append(names, n)
	}
	b.mu.Unlock()
	for _, n := range names {
		_ = b.Unregister(n)
	}
}
