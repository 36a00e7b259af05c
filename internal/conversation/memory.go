package conversation

import (
	"container/list"
	"context"
	"sync"
	"time"

	"redditchat/internal/models"
)

// MemoryStore is a process-local store with idle expiry and a size bound.
// The least recently used conversation is dropped once MaxEntries is reached.
type MemoryStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	items      map[string]*list.Element
	order      *list.List // front = most recently used
	now        func() time.Time
}

type memoryEntry struct {
	conv     *models.Conversation
	lastSeen time.Time
}

// NewMemoryStore creates a store. ttl <= 0 disables expiry and
// maxEntries <= 0 disables the size bound.
func NewMemoryStore(ttl time.Duration, maxEntries int) *MemoryStore {
	return &MemoryStore{
		ttl:        ttl,
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lookup(id)
	if !ok {
		return nil, false, nil
	}
	return entry.conv.Clone(), true, nil
}

func (s *MemoryStore) Create(_ context.Context) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conv := newConversation(now)
	s.items[conv.ID] = s.order.PushFront(&memoryEntry{conv: conv, lastSeen: now})
	for s.maxEntries > 0 && s.order.Len() > s.maxEntries {
		s.remove(s.order.Back())
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) Append(_ context.Context, id string, msgs ...models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}
	entry.conv.Messages = append(entry.conv.Messages, msgs...)
	entry.conv.UpdatedAt = entry.lastSeen
	return nil
}

// Len reports the number of stored conversations, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Sweep drops every conversation idle for longer than the TTL and returns how
// many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for el := s.order.Back(); el != nil; {
		entry := el.Value.(*memoryEntry)
		if now.Sub(entry.lastSeen) <= s.ttl {
			// list is ordered by recency, everything in front is newer
			break
		}
		prev := el.Prev()
		s.remove(el)
		removed++
		el = prev
	}
	return removed
}

// lookup returns a live entry and marks it as used. Callers hold mu.
func (s *MemoryStore) lookup(id string) (*memoryEntry, bool) {
	el, ok := s.items[id]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*memoryEntry)
	now := s.now()
	if s.ttl > 0 && now.Sub(entry.lastSeen) > s.ttl {
		s.remove(el)
		return nil, false
	}
	entry.lastSeen = now
	s.order.MoveToFront(el)
	return entry, true
}

func (s *MemoryStore) remove(el *list.Element) {
	if el == nil {
		return
	}
	entry := s.order.Remove(el).(*memoryEntry)
	delete(s.items, entry.conv.ID)
}
