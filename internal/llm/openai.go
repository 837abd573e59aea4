package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/memento-project/memento/internal/models"
)

// OpenAIClient implements Client against any OpenAI-compatible chat
// completions endpoint. Responses are requested in JSON mode and parsed
// into the structured result types; a response that fails to parse or
// validate counts as a failed attempt and is retried.
type OpenAIClient struct {
	client    *openai.Client
	model     string
	temp      float32
	maxTokens int
	prompts   *PromptStore
	logger    *slog.Logger
}

// NewOpenAIClient creates a client for the given endpoint and model.
// baseURL may be empty to use the public OpenAI API.
func NewOpenAIClient(baseURL, apiKey, model string, temp float64, maxTokens int, prompts *PromptStore, logger *slog.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		temp:      float32(temp),
		maxTokens: maxTokens,
		prompts:   prompts,
		logger:    logger,
	}
}

func (c *OpenAIClient) complete(ctx context.Context, label string, maxTokens int, msgs []openai.ChatCompletionMessage, out interface{ Validate() error }) error {
	_, err := callWithRetry(ctx, c.logger, label, defaultMaxAttempts, defaultCallTimeout, func(ctx context.Context) (struct{}, error) {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:               c.model,
			Messages:            msgs,
			Temperature:         c.temp,
			MaxCompletionTokens: maxTokens,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err != nil {
			return struct{}{}, fmt.Errorf("calling chat API: %w", err)
		}
		if len(resp.Choices) == 0 {
			return struct{}{}, fmt.Errorf("chat API returned no choices")
		}
		content := resp.Choices[0].Message.Content
		if err := json.Unmarshal([]byte(content), out); err != nil {
			return struct{}{}, fmt.Errorf("parsing %s response: %w (raw: %s)", label, err, content)
		}
		if err := out.Validate(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

func (c *OpenAIClient) Process(ctx context.Context, aiName string, prior []Message, messages []Message) (*ProcessResult, error) {
	template, err := c.prompts.Get("process")
	if err != nil {
		return nil, err
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(prior)+1)
	for _, m := range prior {
		cm := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		if m.Name != nil {
			cm.Name = *m.Name
		}
		msgs = append(msgs, cm)
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: renderProcessPrompt(template, aiName, messages),
	})

	var result ProcessResult
	if err := c.complete(ctx, "process", c.maxTokens, msgs, &result); err != nil {
		return nil, err
	}
	c.logger.Info("process result", "summary", result.Summary, "remember", len(result.Remember))
	return &result, nil
}

func (c *OpenAIClient) Distill(ctx context.Context, aiName string, batch []models.Memory) (*DistillResult, error) {
	msgs := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleUser,
		Content: buildDistillPrompt(aiName, batch),
	}}

	var result DistillResult
	if err := c.complete(ctx, "distill", capTokens(c.maxTokens), msgs, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *OpenAIClient) Merge(ctx context.Context, aiName, newText string, existing []models.Memory, preferNew bool) (*MergeResult, error) {
	system, user := buildMergePrompt(aiName, newText, existing, preferNew)
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: user},
	}

	var result MergeResult
	if err := c.complete(ctx, "merge", capTokens(c.maxTokens), msgs, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// capTokens bounds the completion budget for the compression calls, whose
// outputs are short regardless of the configured ceiling.
func capTokens(maxTokens int) int {
	if maxTokens > 1000 {
		return 1000
	}
	return maxTokens
}
