// Package retry provides the escalating-delay scheduler shared by per-message
// send retries and real-time reconnect attempts.
package retry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDelays is the fixed escalation ladder: immediate, then 2s, 5s, 10s,
// 30s, 60s, holding at the last value for every further attempt.
var DefaultDelays = []time.Duration{
	0,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Scheduler tracks one backoff position per key and fires callbacks after the
// ladder delay for that key's current attempt. Keys are independent: a message
// failing repeatedly does not slow down reconnects or other messages.
type Scheduler struct {
	mu       sync.Mutex
	delays   []time.Duration
	timers   map[string]*time.Timer
	attempts map[string]int
	logger   *zap.Logger
}

// NewScheduler creates a scheduler over the given ladder (nil = DefaultDelays).
func NewScheduler(delays []time.Duration, logger *zap.Logger) *Scheduler {
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	return &Scheduler{
		delays:   delays,
		timers:   make(map[string]*time.Timer),
		attempts: make(map[string]int),
		logger:   logger,
	}
}

// Delay returns the ladder delay for the given attempt number (0-based),
// holding at the last rung.
func (s *Scheduler) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s.delays) {
		attempt = len(s.delays) - 1
	}
	return s.delays[attempt]
}

// Schedule arms a timer for key at its current ladder position, advances the
// position, and invokes fn when the timer fires. A pending timer for the same
// key is replaced. Returns the delay that was armed.
func (s *Scheduler) Schedule(key string, fn func()) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	attempt := s.attempts[key]
	delay := s.Delay(attempt)
	s.attempts[key] = attempt + 1

	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	if s.logger != nil {
		s.logger.Info("retry scheduled",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
	}
	return delay
}

// Reset cancels any pending timer for key and returns it to the first rung.
// Called on successful connect (reconnect keys) and on fresh enqueue or
// manual retry (message keys).
func (s *Scheduler) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	delete(s.attempts, key)
}

// Cancel stops any pending timer for key without touching its ladder position.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// CancelAll stops every pending timer. Used on shutdown and logout.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// Pending reports whether a timer is armed for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}
