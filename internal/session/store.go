package session

import (
	"context"
	"sync"
	"time"

	"chat-relay/internal/domain"
)

const defaultMaxTurns = 20

// entry is the history of one session. Its mutex serializes mutation of a
// single key without blocking other keys. A dead entry was removed by Reset or
// eviction and is never written again.
type entry struct {
	mu         sync.Mutex
	history    []domain.Turn
	lastAccess time.Time
	dead       bool
}

// Store keeps per-session conversation histories in process memory.
// history[0] is always the current system directive and the remaining turns
// never exceed 2*maxTurns.
type Store struct {
	maxTurns int
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	onEvict  func(key string)
}

type Option func(*Store)

// WithClock overrides the time source used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithEvictHook registers a callback invoked for every session removed by the
// idle janitor.
func WithEvictHook(hook func(key string)) Option {
	return func(s *Store) {
		s.onEvict = hook
	}
}

func NewStore(maxTurns int, opts ...Option) *Store {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	s := &Store{
		maxTurns: maxTurns,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns a snapshot of the session history after installing
// directive as history[0]. A missing session is created as [directive].
func (s *Store) GetOrCreate(key, directive string) []domain.Turn {
	e := s.lockedEntry(key)
	defer e.mu.Unlock()

	setDirective(e, directive)
	e.lastAccess = s.now()
	return snapshot(e.history)
}

// BeginTurn installs directive and appends a user turn under one lock, so a
// concurrent Reset or eviction cannot split the two.
func (s *Store) BeginTurn(key, directive string, content domain.Content) []domain.Turn {
	e := s.lockedEntry(key)
	defer e.mu.Unlock()

	setDirective(e, directive)
	e.history = trim(append(e.history, domain.Turn{Role: domain.RoleUser, Content: content}), s.maxTurns)
	e.lastAccess = s.now()
	return snapshot(e.history)
}

// AppendUser appends a user turn, trims, and returns the resulting snapshot.
// A missing session is created with an empty directive.
func (s *Store) AppendUser(key string, content domain.Content) []domain.Turn {
	e := s.lockedEntry(key)
	defer e.mu.Unlock()
	return s.append(e, domain.Turn{Role: domain.RoleUser, Content: content})
}

// AppendAssistant appends an assistant turn, trims, and returns the resulting
// snapshot. It never creates a session: when key was reset or evicted while
// the reply was being produced, the turn is dropped and nil is returned.
func (s *Store) AppendAssistant(key string, content domain.Content) []domain.Turn {
	s.mu.Lock()
	e, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return nil
	}
	return s.append(e, domain.Turn{Role: domain.RoleAssistant, Content: content})
}

// History returns a snapshot of the session, or nil when it does not exist.
func (s *Store) History(key string) []domain.Turn {
	s.mu.Lock()
	e, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.history)
}

// Reset removes the session. Resetting a missing key is a no-op.
func (s *Store) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[key]; ok {
		e.mu.Lock()
		e.dead = true
		e.mu.Unlock()
		delete(s.sessions, key)
	}
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartJanitor periodically evicts sessions idle for longer than ttl. A
// non-positive ttl disables eviction and sessions live for the process lifetime.
func (s *Store) StartJanitor(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.EvictIdle(ttl)
			}
		}
	}()
}

// EvictIdle removes every session whose last access is at least ttl ago and
// returns the evicted keys.
func (s *Store) EvictIdle(ttl time.Duration) []string {
	now := s.now()
	var evicted []string

	s.mu.Lock()
	for key, e := range s.sessions {
		e.mu.Lock()
		if now.Sub(e.lastAccess) >= ttl {
			e.dead = true
			delete(s.sessions, key)
			evicted = append(evicted, key)
		}
		e.mu.Unlock()
	}
	hook := s.onEvict
	s.mu.Unlock()

	if hook != nil {
		for _, key := range evicted {
			hook(key)
		}
	}
	return evicted
}

// append adds turn to a live entry whose lock the caller holds.
func (s *Store) append(e *entry, turn domain.Turn) []domain.Turn {
	if len(e.history) == 0 {
		// Appending before GetOrCreate still keeps the system slot reserved.
		e.history = []domain.Turn{{Role: domain.RoleSystem}}
	}
	e.history = trim(append(e.history, turn), s.maxTurns)
	e.lastAccess = s.now()
	return snapshot(e.history)
}

// lockedEntry returns the live entry for key, creating it when missing, with
// its lock held. An entry removed between lookup and lock is looked up again.
func (s *Store) lockedEntry(key string) *entry {
	for {
		e := s.entryFor(key)
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

func setDirective(e *entry, directive string) {
	sys := domain.Turn{Role: domain.RoleSystem, Content: domain.TextContent(directive)}
	if len(e.history) == 0 {
		e.history = []domain.Turn{sys}
	} else {
		e.history[0] = sys
	}
}

func (s *Store) entryFor(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[key]
	if !ok {
		e = &entry{lastAccess: s.now()}
		s.sessions[key] = e
	}
	return e
}

// trim keeps history[0] and the newest 2*maxTurns turns after it.
func trim(history []domain.Turn, maxTurns int) []domain.Turn {
	limit := 2 * maxTurns
	if len(history)-1 <= limit {
		return history
	}
	drop := len(history) - 1 - limit
	return append(history[:1], history[1+drop:]...)
}

func snapshot(history []domain.Turn) []domain.Turn {
	out := make([]domain.Turn, len(history))
	copy(out, history)
	return out
}
