// Package brain generates reply text. The engine treats it as a fallible
// external collaborator: any error here falls back to a generic
// acknowledgment upstream.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/replyflow/replyflow/internal/replyflow"
)

const systemPromptTemplate = `You reply to social media messages on behalf of a business account.
Write exactly one short reply to the latest message, in a %s tone.
%s
Stay under 300 characters. Never mention being automated. Plain text only, no quotes around the reply.`

type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	// MaxContextTurns bounds how much history goes into the prompt,
	// on top of the engine's own context window.
	MaxContextTurns int
}

type OpenAIGenerator struct {
	client          *openai.Client
	model           string
	maxContextTurns int
}

func NewOpenAIGenerator(opts Options) (*OpenAIGenerator, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("brain: api key is required")
	}
	config := openai.DefaultConfig(opts.APIKey)
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		config.BaseURL = baseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	maxTurns := opts.MaxContextTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &OpenAIGenerator{
		client:          openai.NewClientWithConfig(config),
		model:           model,
		maxContextTurns: maxTurns,
	}, nil
}

// Generate produces one reply from the inbound text, the recent
// conversation turns and the rule's tone/personality.
func (g *OpenAIGenerator) Generate(ctx context.Context, req replyflow.GenerationRequest) (string, error) {
	tone := strings.TrimSpace(req.Tone)
	if tone == "" {
		tone = "friendly"
	}
	persona := ""
	if p := strings.TrimSpace(req.Personality); p != "" {
		persona = "Persona: " + p
	}

	messages := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: fmt.Sprintf(systemPromptTemplate, tone, persona),
	}}
	turns := req.Context
	if len(turns) > g.maxContextTurns {
		turns = turns[len(turns)-g.maxContextTurns:]
	}
	for _, turn := range turns {
		role := openai.ChatMessageRoleUser
		if turn.Author == replyflow.TurnSystem {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.InboundText,
	})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: 0.8,
		MaxTokens:   160,
	})
	if err != nil {
		return "", fmt.Errorf("brain: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("brain: no choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
