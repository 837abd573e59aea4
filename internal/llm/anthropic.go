package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/memento-project/memento/internal/models"
)

// AnthropicClient implements Client against the Claude Messages API, for
// deployments that prefer Anthropic models over an OpenAI-compatible
// endpoint. Claude has no native JSON mode, so the prompts instruct it to
// emit only JSON and a response that fails to parse is retried.
type AnthropicClient struct {
	client    *anthropic.Client
	model     string
	temp      float64
	maxTokens int
	prompts   *PromptStore
	logger    *slog.Logger
}

// NewAnthropicClient creates a client for the given model.
func NewAnthropicClient(apiKey, model string, temp float64, maxTokens int, prompts *PromptStore, logger *slog.Logger) *AnthropicClient {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{
		client:    &c,
		model:     model,
		temp:      temp,
		maxTokens: maxTokens,
		prompts:   prompts,
		logger:    logger,
	}
}

func (c *AnthropicClient) complete(ctx context.Context, label string, maxTokens int, system string, msgs []anthropic.MessageParam, out interface{ Validate() error }) error {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(c.temp),
		Messages:    msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	_, err := callWithRetry(ctx, c.logger, label, defaultMaxAttempts, defaultCallTimeout, func(ctx context.Context) (struct{}, error) {
		resp, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return struct{}{}, fmt.Errorf("calling messages API: %w", err)
		}

		var responseText string
		for i := range resp.Content {
			if resp.Content[i].Type == "text" {
				responseText = resp.Content[i].Text
				break
			}
		}
		if responseText == "" {
			return struct{}{}, fmt.Errorf("messages API returned no text content")
		}
		if err := json.Unmarshal([]byte(responseText), out); err != nil {
			return struct{}{}, fmt.Errorf("parsing %s response: %w (raw: %s)", label, err, responseText)
		}
		if err := out.Validate(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

// toMessageParams converts conversation turns to the Messages API shape.
// System turns are folded into the returned system string since Claude
// takes system text out of band.
func toMessageParams(prior []Message) (system string, msgs []anthropic.MessageParam) {
	for _, m := range prior {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case "system":
			if system != "" {
				system += "\n"
			}
			system += m.Content
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, msgs
}

func (c *AnthropicClient) Process(ctx context.Context, aiName string, prior []Message, messages []Message) (*ProcessResult, error) {
	template, err := c.prompts.Get("process")
	if err != nil {
		return nil, err
	}

	system, msgs := toMessageParams(prior)
	msgs = append(msgs, anthropic.NewUserMessage(
		anthropic.NewTextBlock(renderProcessPrompt(template, aiName, messages)),
	))

	var result ProcessResult
	if err := c.complete(ctx, "process", c.maxTokens, system, msgs, &result); err != nil {
		return nil, err
	}
	c.logger.Info("process result", "summary", result.Summary, "remember", len(result.Remember))
	return &result, nil
}

func (c *AnthropicClient) Distill(ctx context.Context, aiName string, batch []models.Memory) (*DistillResult, error) {
	msgs := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(buildDistillPrompt(aiName, batch))),
	}

	var result DistillResult
	if err := c.complete(ctx, "distill", capTokens(c.maxTokens), "", msgs, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *AnthropicClient) Merge(ctx context.Context, aiName, newText string, existing []models.Memory, preferNew bool) (*MergeResult, error) {
	system, user := buildMergePrompt(aiName, newText, existing, preferNew)
	msgs := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
	}

	var result MergeResult
	if err := c.complete(ctx, "merge", capTokens(c.maxTokens), system, msgs, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
