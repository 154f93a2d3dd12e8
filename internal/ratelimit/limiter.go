package ratelimit

import (
	"sync"
	"time"
)

const (
	defaultMaxRequests = 20
	defaultWindow      = 60 * time.Second
)

// window holds the admitted request timestamps of one key, oldest first. A
// dead window has been removed from the map and must not record anything.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
	dead   bool
}

// Limiter is a per-key sliding-window admission controller. It is in-process
// only; each key has its own lock so keys never contend with each other.
type Limiter struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter admitting at most maxRequests per key within any
// trailing interval of length win.
func New(maxRequests int, win time.Duration, opts ...Option) *Limiter {
	if maxRequests <= 0 {
		maxRequests = defaultMaxRequests
	}
	if win <= 0 {
		win = defaultWindow
	}
	l := &Limiter{
		maxRequests: maxRequests,
		window:      win,
		now:         time.Now,
		windows:     make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit purges expired timestamps for key, then records and allows the
// attempt when fewer than maxRequests remain. A denied attempt is not recorded.
// A timestamp exactly one window old counts as expired.
func (l *Limiter) Admit(key string) bool {
	w := l.lockedWindow(key)
	defer w.mu.Unlock()

	now := l.now()
	w.stamps = purge(w.stamps, now, l.window)
	if len(w.stamps) >= l.maxRequests {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Remaining reports how many admissions key has left in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	w, ok := l.windows[key]
	l.mu.Unlock()
	if !ok {
		return l.maxRequests
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return l.maxRequests
	}
	w.stamps = purge(w.stamps, l.now(), l.window)
	return l.maxRequests - len(w.stamps)
}

// Reset forgets all timestamps recorded for key. Missing keys are a no-op.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[key]; ok {
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
		delete(l.windows, key)
	}
}

// Sweep drops windows whose newest timestamp has expired and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		w.stamps = purge(w.stamps, now, l.window)
		if len(w.stamps) == 0 {
			w.dead = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// lockedWindow returns the live window for key with its lock held. A window
// removed between the map lookup and the lock is skipped and looked up again.
func (l *Limiter) lockedWindow(key string) *window {
	for {
		w := l.windowFor(key)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

func (l *Limiter) windowFor(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

func purge(stamps []time.Time, now time.Time, win time.Duration) []time.Time {
	i := 0
	for i < len(stamps) && now.Sub(stamps[i]) >= win {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
