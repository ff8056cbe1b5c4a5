package replyflow

import (
	"sync"
	"time"
)

// TTLSet is a concurrency-safe set whose members expire after a per-entry
// TTL. A background reaper drops expired entries so the set stays bounded
// by the ingest rate times the window, independent of process lifetime.
// The same contract could be backed by an external cache; the in-process
// map is sufficient for a single engine instance.
type TTLSet struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]time.Time
	done    chan struct{}
	closed  sync.Once
}

func NewTTLSet(clock Clock, reapInterval time.Duration) *TTLSet {
	if clock == nil {
		clock = SystemClock()
	}
	s := &TTLSet{
		clock:   clock,
		entries: map[string]time.Time{},
		done:    make(chan struct{}),
	}
	if reapInterval > 0 {
		go s.reapLoop(reapInterval)
	}
	return s
}

// InsertIfAbsent records key with the given ttl and reports true, or
// reports false when a live entry for key already exists. Re-inserting an
// expired key is treated as new.
func (s *TTLSet) InsertIfAbsent(key string, ttl time.Duration) bool {
	if key == "" || ttl <= 0 {
		return false
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiry, ok := s.entries[key]; ok && expiry.After(now) {
		return false
	}
	s.entries[key] = now.Add(ttl)
	return true
}

func (s *TTLSet) Contains(key string) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.entries[key]
	return ok && expiry.After(now)
}

func (s *TTLSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Reap removes expired entries and returns how many were dropped. Exposed
// so tests can drive expiry without waiting on the background loop.
func (s *TTLSet) Reap() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for key, expiry := range s.entries {
		if !expiry.After(now) {
			delete(s.entries, key)
			dropped++
		}
	}
	return dropped
}

func (s *TTLSet) Close() {
	s.closed.Do(func() {
		close(s.done)
	})
}

func (s *TTLSet) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Reap()
		case <-s.done:
			return
		}
	}
}
