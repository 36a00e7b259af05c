package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"redditchat/internal/models"
	"redditchat/internal/redis"
)

const keyPrefix = "conversation:"

type conversationMeta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore keeps each conversation as a meta key plus a message list, both
// expiring after ttl of inactivity.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func metaKey(id string) string     { return keyPrefix + id }
func messagesKey(id string) string { return keyPrefix + id + ":messages" }

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Conversation, bool, error) {
	if id == "" {
		return nil, false, nil
	}
	raw, err := s.client.Get(ctx, metaKey(id))
	if errors.Is(err, redis.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load conversation: %w", err)
	}
	var meta conversationMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, false, fmt.Errorf("decode conversation: %w", err)
	}

	items, err := s.client.List(ctx, messagesKey(id))
	if err != nil {
		return nil, false, fmt.Errorf("load messages: %w", err)
	}
	conv := &models.Conversation{
		ID:        meta.ID,
		Messages:  make([]models.Message, 0, len(items)),
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.CreatedAt,
	}
	for _, item := range items {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, false, fmt.Errorf("decode message: %w", err)
		}
		conv.Messages = append(conv.Messages, msg)
		if msg.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = msg.CreatedAt
		}
	}
	return conv, true, nil
}

func (s *RedisStore) Create(ctx context.Context) (*models.Conversation, error) {
	conv := newConversation(time.Now().UTC())
	data, err := json.Marshal(conversationMeta{ID: conv.ID, CreatedAt: conv.CreatedAt})
	if err != nil {
		return nil, fmt.Errorf("encode conversation: %w", err)
	}
	if err := s.client.Set(ctx, metaKey(conv.ID), data, s.ttl); err != nil {
		return nil, fmt.Errorf("store conversation: %w", err)
	}
	return conv, nil
}

func (s *RedisStore) Append(ctx context.Context, id string, msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if _, err := s.client.Get(ctx, metaKey(id)); err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return ErrNotFound
		}
		return fmt.Errorf("load conversation: %w", err)
	}
	values := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		values = append(values, data)
	}
	if err := s.client.AppendList(ctx, messagesKey(id), s.ttl, []string{metaKey(id)}, values...); err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	return nil
}
