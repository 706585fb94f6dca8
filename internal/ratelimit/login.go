package ratelimit

import (
	"sync"
	"time"
)

// LoginLimiter tracks failed login attempts per identifier+IP and locks the
// pair out after too many failures. A successful login clears the entry.
type LoginLimiter struct {
	maxAttempts int
	window      time.Duration
	cooldown    time.Duration

	mu      sync.Mutex
	entries map[string]*loginEntry
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type loginEntry struct {
	failedAttempts int
	firstAttempt   time.Time
	lockedUntil    time.Time
}

// LoginStatus is the outcome of a login-limiter check.
type LoginStatus struct {
	Locked     bool
	Remaining  int
	RetryAfter time.Duration
}

func NewLoginLimiter(maxAttempts int, window, cooldown time.Duration) *LoginLimiter {
	l := &LoginLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		cooldown:    cooldown,
		entries:     make(map[string]*loginEntry),
		now:         time.Now,
		stop:        make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Check reports whether the identifier+IP pair is currently locked out.
func (l *LoginLimiter) Check(key string) LoginStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return LoginStatus{Remaining: l.maxAttempts}
	}

	now := l.now()
	if !e.lockedUntil.IsZero() && now.Before(e.lockedUntil) {
		return LoginStatus{Locked: true, RetryAfter: e.lockedUntil.Sub(now)}
	}
	if now.Sub(e.firstAttempt) >= l.window {
		delete(l.entries, key)
		return LoginStatus{Remaining: l.maxAttempts}
	}
	return LoginStatus{Remaining: l.maxAttempts - e.failedAttempts}
}

// RegisterFailure records a failed attempt and returns the new status,
// locking the entry when the max is reached.
func (l *LoginLimiter) RegisterFailure(key string) LoginStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok || now.Sub(e.firstAttempt) >= l.window {
		e = &loginEntry{firstAttempt: now}
		l.entries[key] = e
	}

	e.failedAttempts++
	if e.failedAttempts >= l.maxAttempts {
		e.lockedUntil = now.Add(l.cooldown)
		return LoginStatus{Locked: true, RetryAfter: l.cooldown}
	}
	return LoginStatus{Remaining: l.maxAttempts - e.failedAttempts}
}

// Clear removes the entry after a successful login.
func (l *LoginLimiter) Clear(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Close stops the background sweeper.
func (l *LoginLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *LoginLimiter) sweepLoop() {
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

func (l *LoginLimiter) sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if now.Sub(e.firstAttempt) >= l.window && (e.lockedUntil.IsZero() || now.After(e.lockedUntil)) {
			delete(l.entries, k)
		}
	}
}
