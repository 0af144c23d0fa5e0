package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cascade-ai/cascade/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]json.RawMessage
}

// NewMemoryStore creates a new in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string]json.RawMessage{}}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.ConversationState, error) {
	m.mu.RLock()
	raw, ok := m.states[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeState(raw)
}

func (m *MemoryStore) Save(ctx context.Context, state *models.ConversationState) error {
	raw, err := encodeState(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.states[state.ID] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStore) Close() error { return nil }

// Stored states are kept serialized so callers never share mutable state with
// the store. The same encoding backs the SQLite store.
func encodeState(state *models.ConversationState) (json.RawMessage, error) {
	if state == nil {
		return nil, fmt.Errorf("conversation state is required")
	}
	if state.ID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	state.LastActivity = time.Now().UTC()
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode conversation %s: %w", state.ID, err)
	}
	return raw, nil
}

func decodeState(raw json.RawMessage) (*models.ConversationState, error) {
	var state models.ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &state, nil
}
