package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"redditchat/internal/models"
)

// compatProvider talks to any OpenAI-compatible endpoint (OpenRouter, local
// gateways) through go-openai's streaming client.
type compatProvider struct {
	client *goopenai.Client
	model  string
}

func NewCompatProvider(apiKey, baseURL, modelName string) Provider {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &compatProvider{
		client: goopenai.NewClientWithConfig(cfg),
		model:  modelName,
	}
}

func (p *compatProvider) StreamChat(ctx context.Context, history []models.Message, callback func(string) error) (*models.Message, error) {
	if len(history) == 0 {
		return nil, errors.New("history cannot be empty")
	}
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		role := goopenai.ChatMessageRoleUser
		switch m.Role {
		case models.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		case models.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:    p.model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat completion stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chat completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if callback != nil {
			if err := callback(delta); err != nil {
				return nil, err
			}
		}
	}
	msg := models.NewMessage(models.RoleAssistant, full.String())
	return &msg, nil
}
