// Package chat runs one conversation turn: validation, quota, conversation
// resolution with community context, and the provider stream.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"redditchat/internal/community"
	"redditchat/internal/conversation"
	"redditchat/internal/models"
	"redditchat/internal/service/ai"
)

// AnonymousUser is charged when a request carries no user id.
const AnonymousUser = "anonymous"

const (
	genericPrompt   = "You are an AI assistant that analyzes Reddit communities. Help the user understand what people are discussing, what is trending, and the overall sentiment."
	communityPrompt = "You are an AI assistant that analyzes Reddit communities. Answer the user's questions based on the content of r/%s. Below are some hot posts from r/%s:\n\n%s"
)

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrQuotaExceeded         = errors.New("daily message limit reached")
	ErrProviderNotConfigured = errors.New("language model provider not configured")
	errConversationVanished  = errors.New("conversation disappeared during turn")
)

// QuotaExceededError carries the limit the user ran into.
type QuotaExceededError struct {
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s (%d per day)", ErrQuotaExceeded, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// Quota is the part of the quota service a turn needs.
type Quota interface {
	IsOverLimit(ctx context.Context, userID string) (bool, error)
	Increment(ctx context.Context, userID string) (*models.QuotaRecord, error)
	Limit() int
}

// ContextFetcher renders the community context block.
type ContextFetcher interface {
	FetchContext(ctx context.Context, name string) (string, error)
}

// TurnRequest is the inbound chat turn.
type TurnRequest struct {
	Message        string
	Community      string
	ConversationID string
	UserID         string
}

// Turn is a prepared turn, ready to stream.
type Turn struct {
	ConversationID string
	UserID         string
	Community      string
	// Messages is the full transcript handed to the provider, ending with the user message.
	Messages []models.Message
	Created  bool
}

type Service struct {
	provider ai.Provider
	quota    Quota
	store    conversation.Store
	fetcher  ContextFetcher
	log      *slog.Logger
}

// NewService wires a relay. provider may be nil; every turn then fails with
// ErrProviderNotConfigured before touching any state.
func NewService(provider ai.Provider, quota Quota, store conversation.Store, fetcher ContextFetcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider: provider,
		quota:    quota,
		store:    store,
		fetcher:  fetcher,
		log:      logger.With("component", "chat"),
	}
}

// Prepare validates the request, charges the quota and records the user
// message. Nothing is written when it returns an error before the quota step.
func (s *Service) Prepare(ctx context.Context, req TurnRequest) (*Turn, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if s.provider == nil {
		return nil, ErrProviderNotConfigured
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = AnonymousUser
	}

	var name string
	if raw := strings.TrimSpace(req.Community); raw != "" {
		name = strings.TrimSpace(community.Extract(raw))
		if strings.TrimPrefix(name, "r/") == "" {
			return nil, fmt.Errorf("%w: could not resolve a community from %q", ErrInvalidInput, raw)
		}
	}

	over, err := s.quota.IsOverLimit(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check quota: %w", err)
	}
	if over {
		return nil, &QuotaExceededError{Limit: s.quota.Limit()}
	}
	if _, err := s.quota.Increment(ctx, userID); err != nil {
		return nil, fmt.Errorf("increment quota: %w", err)
	}

	turn := &Turn{UserID: userID, Community: name}
	var conv *models.Conversation
	if id := strings.TrimSpace(req.ConversationID); id != "" {
		existing, ok, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		if ok {
			conv = existing
		}
	}

	if conv == nil {
		system, err := s.systemPrompt(ctx, name)
		if err != nil {
			return nil, err
		}
		conv, err = s.store.Create(ctx)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		sysMsg := models.NewMessage(models.RoleSystem, system)
		if err := s.store.Append(ctx, conv.ID, sysMsg); err != nil {
			return nil, fmt.Errorf("store system message: %w", err)
		}
		conv.Messages = append(conv.Messages, sysMsg)
		turn.Created = true
		s.log.Info("conversation created", "conversation", conv.ID, "community", name, "user", userID)
	}

	userMsg := models.NewMessage(models.RoleUser, message)
	if err := s.store.Append(ctx, conv.ID, userMsg); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, errConversationVanished
		}
		return nil, fmt.Errorf("store user message: %w", err)
	}

	turn.ConversationID = conv.ID
	turn.Messages = append(conv.Messages, userMsg)
	return turn, nil
}

// Stream runs the provider over the turn transcript, handing every non-empty
// fragment to onChunk. The assistant reply is committed only when the stream
// completes cleanly.
func (s *Service) Stream(ctx context.Context, turn *Turn, onChunk func(string) error) (*models.Message, error) {
	if turn == nil {
		return nil, errors.New("turn required")
	}
	if s.provider == nil {
		return nil, ErrProviderNotConfigured
	}

	reply, err := s.provider.StreamChat(ctx, turn.Messages, func(fragment string) error {
		if fragment == "" {
			return nil
		}
		return onChunk(fragment)
	})
	if err != nil {
		s.log.Error("provider stream failed", "conversation", turn.ConversationID, "err", err)
		return nil, err
	}

	if err := s.store.Append(ctx, turn.ConversationID, *reply); err != nil {
		return nil, fmt.Errorf("store assistant message: %w", err)
	}
	return reply, nil
}

func (s *Service) systemPrompt(ctx context.Context, name string) (string, error) {
	if name == "" {
		return genericPrompt, nil
	}
	if s.fetcher == nil {
		return genericPrompt, nil
	}
	block, err := s.fetcher.FetchContext(ctx, name)
	if errors.Is(err, community.ErrInvalidInput) {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err != nil {
		return "", fmt.Errorf("fetch community context: %w", err)
	}
	clean := strings.TrimPrefix(name, "r/")
	return fmt.Sprintf(communityPrompt, clean, clean, block), nil
}
