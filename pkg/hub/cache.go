package hub

import (
	"encoding/json"
	"sync"
	"time"

	"aibridge/pkg/models"
)

// Snapshot is the cached state message.
type Snapshot struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// StateCache keeps the most recent state-carrying message. It has one slot:
// a selection change overwrites a preceding file save and vice versa.
type StateCache struct {
	mu    sync.RWMutex
	types map[string]struct{}
	slot  *Snapshot
}

// NewStateCache tracks the given message types.
func NewStateCache(types []string) *StateCache {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return &StateCache{types: set}
}

// Tracks reports whether msgType is state-carrying.
func (s *StateCache) Tracks(msgType string) bool {
	_, ok := s.types[msgType]
	return ok
}

// Offer stores msg if its type is state-carrying.
func (s *StateCache) Offer(msg models.Message) bool {
	if !s.Tracks(msg.Type) {
		return false
	}
	snap := &Snapshot{
		Type:      msg.Type,
		Data:      append(json.RawMessage(nil), msg.Data...),
		UpdatedAt: time.Now(),
	}
	s.mu.Lock()
	s.slot = snap
	s.mu.Unlock()
	return true
}

// Current returns the cached message, if any.
func (s *StateCache) Current() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.slot == nil {
		return Snapshot{}, false
	}
	return *s.slot, true
}

// Reset empties the slot.
func (s *StateCache) Reset() {
	s.mu.Lock()
	s.slot = nil
	s.mu.Unlock()
}
