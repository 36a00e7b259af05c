// Package conversation keeps multi-turn chat transcripts keyed by an opaque id.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"redditchat/internal/models"
)

// ErrNotFound is returned by Append for an unknown or expired conversation.
var ErrNotFound = errors.New("conversation not found")

// Store holds conversation transcripts.
type Store interface {
	// Get returns a copy of the conversation; ok is false when it does not exist.
	Get(ctx context.Context, id string) (*models.Conversation, bool, error)
	// Create registers an empty conversation under a fresh unique id.
	Create(ctx context.Context) (*models.Conversation, error)
	// Append adds messages in order to the end of the transcript.
	Append(ctx context.Context, id string, msgs ...models.Message) error
}

func newConversation(now time.Time) *models.Conversation {
	return &models.Conversation{
		ID:        uuid.NewString(),
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
