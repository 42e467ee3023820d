package omnibox

import (
	"sort"
	"sync"
)

// Cache persists merged conversation and timeline state between sessions so
// the view can warm-start before the first fetch. It is not a source of
// truth: server state always wins on merge.
type Cache interface {
	PutConversations(conversations []Conversation) error
	Conversations() ([]Conversation, error)
	PutMessages(conversationID string, messages []Message) error
	// Messages returns up to limit most recent messages in createdAt order;
	// limit <= 0 means all.
	Messages(conversationID string, limit int) ([]Message, error)
	Close() error
}

// MemoryCache is a goroutine-safe in-memory cache.
type MemoryCache struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	messages      map[string]map[string]Message
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		conversations: make(map[string]Conversation),
		messages:      make(map[string]map[string]Message),
	}
}

func (c *MemoryCache) PutConversations(conversations []Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conv := range conversations {
		c.conversations[conv.ID] = conv
	}
	return nil
}

func (c *MemoryCache) Conversations() ([]Conversation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (c *MemoryCache) PutMessages(conversationID string, messages []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.messages[conversationID]
	if !ok {
		byID = make(map[string]Message)
		c.messages[conversationID] = byID
	}
	for _, m := range messages {
		byID[m.Identity()] = m
	}
	return nil
}

func (c *MemoryCache) Messages(conversationID string, limit int) ([]Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byID := c.messages[conversationID]
	out := make([]Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (c *MemoryCache) Close() error { return nil }
