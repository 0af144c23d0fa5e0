// Package sessions persists conversation state between turns.
package sessions

import (
	"context"
	"errors"

	"github.com/cascade-ai/cascade/pkg/models"
)

// ErrNotFound is returned when no conversation exists for the given id.
var ErrNotFound = errors.New("conversation not found")

// Store is the interface for conversation persistence.
type Store interface {
	// Get loads a conversation by id.
	Get(ctx context.Context, id string) (*models.ConversationState, error)

	// Save upserts the full conversation state.
	Save(ctx context.Context, state *models.ConversationState) error

	// Delete removes a conversation. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns the ids of all stored conversations.
	List(ctx context.Context) ([]string, error)

	// Close releases any underlying resources.
	Close() error
}

// GetOrCreate loads the conversation with the given id, creating a fresh one
// when none exists. An empty id always creates.
func GetOrCreate(ctx context.Context, store Store, id string, maxLoops int) (*models.ConversationState, error) {
	if id != "" {
		state, err := store.Get(ctx, id)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	state := models.NewConversationState(id, maxLoops)
	if err := store.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}
