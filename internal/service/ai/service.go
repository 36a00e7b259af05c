package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"redditchat/internal/config"
	"redditchat/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// Provider streams a completion for an ordered message list. callback gets
// each incremental fragment; a callback error stops the stream.
type Provider interface {
	StreamChat(ctx context.Context, history []models.Message, callback func(string) error) (*models.Message, error)
}

// ErrMissingAPIKey is returned when the selected provider has no credentials.
var ErrMissingAPIKey = errors.New("provider api key not configured")

var defaultModels = map[string]string{
	"openai":        "gpt-3.5-turbo",
	"openai_compat": "gpt-3.5-turbo",
	"claude":        "claude-3-5-haiku-latest",
	"gemini":        "gemini-2.0-flash",
}

// NewProvider builds the provider named by the chat config.
func NewProvider(ctx context.Context, name string, cfg config.ProviderConfig) (Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingAPIKey)
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModels[name]
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch name {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   modelName,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	case "openai_compat":
		return NewCompatProvider(cfg.APIKey, cfg.BaseURL, modelName), nil
	default:
		return nil, fmt.Errorf("invalid provider: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", name, err)
	}
	return NewEinoProvider(name, chatModel), nil
}

type einoProvider struct {
	name      string
	chatModel model.BaseChatModel
}

// NewEinoProvider adapts an eino chat model.
func NewEinoProvider(name string, chatModel model.BaseChatModel) Provider {
	return &einoProvider{name: name, chatModel: chatModel}
}

// StreamChat Using stream chat to handle Ai output
func (p *einoProvider) StreamChat(ctx context.Context, history []models.Message, callback func(string) error) (*models.Message, error) {
	if len(history) == 0 {
		return nil, errors.New("history cannot be empty")
	}
	reader, err := p.chatModel.Stream(ctx, toSchemaMessages(history))
	if err != nil {
		return nil, fmt.Errorf("generate %s stream failed: %w", p.name, err)
	}
	defer reader.Close()

	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s stream: %w", p.name, err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if callback != nil {
			if err := callback(chunk.Content); err != nil {
				return nil, err
			}
		}
	}
	msg := models.NewMessage(models.RoleAssistant, full.String())
	return &msg, nil
}

func toSchemaMessages(history []models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}
