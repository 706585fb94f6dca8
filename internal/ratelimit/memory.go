package ratelimit

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = 60 * time.Second

type windowEntry struct {
	count       int
	windowStart time.Time
}

// MemoryLimiter is the in-process fixed-window limiter. Entries older than
// their window are reaped by a periodic sweep.
type MemoryLimiter struct {
	config *ConfigStore
	mu     sync.Mutex
	window map[string]*windowEntry
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

func NewMemoryLimiter(config *ConfigStore) *MemoryLimiter {
	l := &MemoryLimiter{
		config: config,
		window: make(map[string]*windowEntry),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Check implements Limiter. The first request of a new window counts as #1.
func (l *MemoryLimiter) Check(_ context.Context, bucket, key string) (Result, error) {
	cfg := l.config.Get(bucket)
	if !cfg.Enabled {
		return Result{Allowed: true, Limit: cfg.MaxRequests, Remaining: cfg.MaxRequests}, nil
	}

	now := l.now()
	mapKey := bucket + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.window[mapKey]
	if !ok || now.Sub(e.windowStart) >= cfg.Window {
		e = &windowEntry{windowStart: now}
		l.window[mapKey] = e
	}

	resetAt := e.windowStart.Add(cfg.Window)
	if e.count >= cfg.MaxRequests {
		return Result{
			Allowed:    false,
			Limit:      cfg.MaxRequests,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	e.count++
	return Result{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: cfg.MaxRequests - e.count,
		ResetAt:   resetAt,
	}, nil
}

// Close stops the background sweeper.
func (l *MemoryLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *MemoryLimiter) sweep() {
	now := l.now()
	// The longest configured window bounds how stale an entry can be and
	// still matter; anything past it is dead weight.
	var maxWindow time.Duration
	for _, cfg := range l.config.Snapshot() {
		if cfg.Window > maxWindow {
			maxWindow = cfg.Window
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.window {
		if now.Sub(e.windowStart) >= maxWindow {
			delete(l.window, k)
		}
	}
}
