package realtime

import (
	"sync"

	"github.com/loopcast/backend/internal/models"
)

// StateCache holds the single currently-live broadcast, or nothing. An active
// broadcast is never expired by the cache; Clear is the only way it goes away.
type StateCache struct {
	mu      sync.Mutex
	current *models.Stream
}

// NewStateCache creates an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{}
}

// Set installs the given stream as the current broadcast, replacing any previous one.
func (c *StateCache) Set(s models.Stream) {
	c.mu.Lock()
	c.current = &s
	c.mu.Unlock()
}

// Get returns a copy of the current broadcast. ok is false when no broadcast is live.
func (c *StateCache) Get() (models.Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return models.Stream{}, false
	}
	return *c.current, true
}

// Clear removes the current broadcast.
func (c *StateCache) Clear() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}
