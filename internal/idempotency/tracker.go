// Package idempotency tracks message references the engine has already handled
// or produced itself, so its own edits and replacements are never reprocessed.
package idempotency

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coopco/stampbot/internal/bus"
)

// Tracker is a concurrency-safe set of message references. There is no removal.
type Tracker interface {
	Seen(ref bus.MessageRef) bool
	Mark(ref bus.MessageRef)
	// TryMark inserts ref and reports whether it was absent. Check and insert
	// happen atomically.
	TryMark(ref bus.MessageRef) bool
	Len() int
}

// Set is an unbounded Tracker. It grows for the life of the process: ids are
// never reused, so memory is bounded by session length.
type Set struct {
	seen map[bus.MessageRef]struct{}
	mu   sync.Mutex
}

// NewSet creates an empty unbounded tracker.
func NewSet() *Set {
	return &Set{seen: make(map[bus.MessageRef]struct{})}
}

func (s *Set) Seen(ref bus.MessageRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[ref]
	return ok
}

func (s *Set) Mark(ref bus.MessageRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[ref] = struct{}{}
}

func (s *Set) TryMark(ref bus.MessageRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[ref]; ok {
		return false
	}
	s.seen[ref] = struct{}{}
	return true
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// LRU is a bounded Tracker that forgets the least recently marked references
// once capacity is reached. A forgotten reference would be handled again if
// the platform redelivered it.
type LRU struct {
	cache *lru.Cache[bus.MessageRef, struct{}]
}

// NewLRU creates a tracker holding at most size references.
func NewLRU(size int) (*LRU, error) {
	c, err := lru.New[bus.MessageRef, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru tracker: %w", err)
	}
	return &LRU{cache: c}, nil
}

func (l *LRU) Seen(ref bus.MessageRef) bool { return l.cache.Contains(ref) }

func (l *LRU) Mark(ref bus.MessageRef) { l.cache.Add(ref, struct{}{}) }

func (l *LRU) TryMark(ref bus.MessageRef) bool {
	found, _ := l.cache.ContainsOrAdd(ref, struct{}{})
	return !found
}

func (l *LRU) Len() int { return l.cache.Len() }

// New returns an unbounded Set when maxEntries <= 0, otherwise a bounded LRU.
func New(maxEntries int) (Tracker, error) {
	if maxEntries <= 0 {
		return NewSet(), nil
	}
	return NewLRU(maxEntries)
}
