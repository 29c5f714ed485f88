package aiproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/vidprompt/internal/actions"
	"github.com/jo-hoe/vidprompt/internal/common"
	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/failure"
	"github.com/jo-hoe/vidprompt/internal/llm"
)

var _ llm.Parser = (*Client)(nil)

const (
	// Headers
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"

	// Auth
	authSchemeBearer = "Bearer"

	// Endpoints
	endpointChatCompletions = "v1/chat/completions"

	// Timeouts and limits
	defaultTimeout    = 60 * time.Second
	errorSnippetLimit = 400

	responseFormatJSONObject = "json_object"
	providerName             = "aiproxy"
)

// Role represents the sender role for a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Client implements llm.Parser by calling an OpenAI-compatible AI Proxy.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	system      string
	temperature *float32
	maxTokens   *int
}

// New creates a new AI Proxy prompt parser.
func New(cfg config.LLMConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	system := strings.TrimSpace(cfg.SystemPrompt)
	if system == "" {
		system = llm.DefaultSystemPrompt()
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(cfg.AIProxy.BaseURL, "/"),
		apiKey:      cfg.AIProxy.APIKey,
		model:       cfg.AIProxy.Model,
		system:      system,
		temperature: optionalFloat32(cfg.AIProxy.Temperature),
		maxTokens:   optionalInt(cfg.AIProxy.MaxTokens),
	}
}

// ParsePrompt sends a chat completion request asking for the JSON action document.
func (c *Client) ParsePrompt(ctx context.Context, prompt string) ([]actions.Action, error) {
	content, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return llm.DecodeCompletion(content)
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	u, err := url.JoinPath(c.baseURL, endpointChatCompletions)
	if err != nil {
		return "", failure.Parse(failure.CauseLLMCall, err, "join url")
	}

	bodyBytes, err := json.Marshal(c.buildRequestBody(prompt))
	if err != nil {
		return "", failure.Parse(failure.CauseLLMCall, err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", failure.Parse(failure.CauseLLMCall, err, "new request")
	}
	req.Header.Set(headerContentType, common.ContentTypeJSON)
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", llm.CallError(ctx, providerName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", failure.Parse(failure.CauseLLMCall,
			fmt.Errorf("status %d: %s", resp.StatusCode, llm.Truncate(string(respBytes), errorSnippetLimit)),
			"%s rejected the request", providerName)
	}

	var comp chatCompletionResponse
	if err := json.Unmarshal(respBytes, &comp); err != nil {
		return "", failure.Parse(failure.CauseSchema, err, "parse completion envelope")
	}
	if len(comp.Choices) == 0 || strings.TrimSpace(comp.Choices[0].Message.Content) == "" {
		return "", failure.Parse(failure.CauseSchema, nil, "empty completion")
	}
	return comp.Choices[0].Message.Content, nil
}

func (c *Client) buildRequestBody(prompt string) chatCompletionRequest {
	req := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: RoleSystem, Content: c.system},
			{Role: RoleUser, Content: prompt},
		},
		ResponseFmt: &responseFormat{Type: responseFormatJSONObject},
	}
	if c.temperature != nil {
		req.Temperature = c.temperature
	}
	if c.maxTokens != nil {
		req.MaxTokens = c.maxTokens
	}
	return req
}

func optionalFloat32(v float32) *float32 {
	if v == 0 {
		return nil
	}
	return &v
}

func optionalInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

// OpenAI-compatible Chat Completions request/response types

type chatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []chatMessage   `json:"messages"`
	Temperature *float32        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	ResponseFmt *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   *chatCompletionUsage   `json:"usage,omitempty"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      responseMsg `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type responseMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
