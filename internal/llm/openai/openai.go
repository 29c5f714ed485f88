// Package openai implements llm.Parser on top of the official OpenAI SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jo-hoe/vidprompt/internal/actions"
	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/failure"
	"github.com/jo-hoe/vidprompt/internal/llm"
)

const (
	// DefaultModel is used when the config names none.
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout bounds one completion call.
	DefaultTimeout = 60 * time.Second

	providerName = "openai"
)

// ErrAPIKeyNotSet is returned by New without a key.
var ErrAPIKeyNotSet = errors.New("openai api key not set")

var _ llm.Parser = (*Client)(nil)

// Client asks an OpenAI chat model for the JSON action document.
type Client struct {
	client  openai.Client
	model   string
	system  string
	timeout time.Duration
}

// New creates a Client. Options are appended after the config-derived ones,
// which lets tests point the SDK at a local server.
func New(cfg config.LLMConfig, opts ...option.RequestOption) (*Client, error) {
	if strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
		return nil, ErrAPIKeyNotSet
	}
	// Steps are never retried automatically; a failed call fails the job.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.OpenAI.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.OpenAI.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	reqOpts = append(reqOpts, opts...)

	model := cfg.OpenAI.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	system := strings.TrimSpace(cfg.SystemPrompt)
	if system == "" {
		system = llm.DefaultSystemPrompt()
	}
	return &Client{
		client:  openai.NewClient(reqOpts...),
		model:   model,
		system:  system,
		timeout: timeout,
	}, nil
}

// ModelName returns the configured model.
func (c *Client) ModelName() string {
	return c.model
}

func (c *Client) ParsePrompt(ctx context.Context, prompt string) ([]actions.Action, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.system),
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, failure.Parse(failure.CauseLLMCall, err, "%s returned status %d", providerName, apiErr.StatusCode)
		}
		return nil, llm.CallError(ctx, providerName, err)
	}
	if len(completion.Choices) == 0 {
		return nil, failure.Parse(failure.CauseSchema, fmt.Errorf("no completion choices returned"), "empty completion")
	}
	return llm.DecodeCompletion(completion.Choices[0].Message.Content)
}
