package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"healthchat/internal/config"
	"healthchat/internal/models"
)

// SystemPrompt frames every model call as a healthcare assistant.
const SystemPrompt = "You are an AI healthcare assistant. Answer the user's question fully and clearly, " +
	"providing step-by-step, well-structured explanations when helpful. " +
	"Use everyday language and add practical tips. Avoid adding disclaimers unless asked."

const claudeMaxTokens = 3000

// Service generates assistant replies through a configured chat model.
type Service struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
	provider  string
	modelName string
}

// NewService builds the chat model for the named provider. modelType
// overrides the configured model when non-empty.
func NewService(cfg *config.Config, provider, modelType string) (*Service, error) {
	if provider == "" {
		provider = cfg.BasicConfig.DefaultProvider
	}
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if modelType == "" {
		modelType = provCfg.Model
	}
	token := apiKey(provider, provCfg)

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelType,
			APIKey:  token,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: token,
		})
		if err != nil {
			return nil, fmt.Errorf("init gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  modelType,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    token,
			Model:     modelType,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeMaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	var reactAgent *react.Agent
	if tools := InitToolsChain(); len(tools) > 0 {
		reactAgent, err = react.NewAgent(context.Background(), &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
	}

	return &Service{
		chatModel: chatModel,
		agent:     reactAgent,
		provider:  provider,
		modelName: modelType,
	}, nil
}

func apiKey(provider string, provCfg config.ProviderConfig) string {
	if provCfg.APIKey != "" {
		return provCfg.APIKey
	}
	switch provider {
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "claude":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

// Reply generates an assistant answer for the user message, grounded on
// prior session history and retrieved guidance blocks.
func (s *Service) Reply(ctx context.Context, history []*models.Message, userMessage string, contextBlocks []string) (string, error) {
	userMessage = strings.TrimSpace(userMessage)
	if userMessage == "" {
		return "", errors.New("message cannot be empty")
	}

	messages := BuildPrompt(history, userMessage, contextBlocks)

	var (
		resp *schema.Message
		err  error
	)
	if s.agent != nil {
		resp, err = s.agent.Generate(ctx, messages)
	} else {
		resp, err = s.chatModel.Generate(ctx, messages)
	}
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", errors.New("model returned empty reply")
	}
	return content, nil
}

// BuildPrompt assembles the model input: system prompt with optional
// retrieved context, the session history, then the latest user message.
func BuildPrompt(history []*models.Message, userMessage string, contextBlocks []string) []*schema.Message {
	system := SystemPrompt
	if len(contextBlocks) > 0 {
		system += "\n\nContext:\n" + strings.Join(contextBlocks, "\n\n")
	}

	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, schema.SystemMessage(system))
	for _, msg := range history {
		if msg == nil || msg.Content == "" {
			continue
		}
		switch msg.Role {
		case models.RoleBot:
			messages = append(messages, schema.AssistantMessage(msg.Content, nil))
		case models.RoleSystem:
			// session-level system notes ride along with the main prompt
			messages = append(messages, schema.SystemMessage(msg.Content))
		default:
			messages = append(messages, schema.UserMessage(msg.Content))
		}
	}
	messages = append(messages, schema.UserMessage(userMessage))
	return messages
}

// Provider reports which configured provider backs this service.
func (s *Service) Provider() string { return s.provider }

// Model reports the concrete model name in use.
func (s *Service) Model() string { return s.modelName }
