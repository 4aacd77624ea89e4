// Package llm provides the OpenAI-compatible chat client used by the
// orchestrator nodes, plus prompt construction, JSON output parsing, and
// token budgeting for schema context.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/amila-ai/amila/pkg/config"
	"github.com/amila-ai/amila/pkg/resilience"
)

// breakerName gates all LLM calls through one named breaker.
const breakerName = "llm"

// Client is the chat surface the engine nodes depend on. ChatJSON returns
// the raw completion content; callers decode it with Decode.
type Client interface {
	ChatJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// HTTPClient calls an OpenAI-compatible /chat/completions endpoint with
// JSON response format, bounded by the configured call timeout and gated
// by the shared breaker. Transport failures and 429/5xx responses are
// retried; other client errors are not.
type HTTPClient struct {
	cfg      config.LLMConfig
	hc       *http.Client
	breakers *resilience.BreakerRegistry
	retry    resilience.RetryPolicy
	logger   *slog.Logger
}

func NewHTTPClient(cfg config.LLMConfig, breakers *resilience.BreakerRegistry, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		cfg:      cfg,
		hc:       &http.Client{Timeout: cfg.CallTimeout},
		breakers: breakers,
		retry:    resilience.DefaultRetryPolicy(2),
		logger:   logger.With("component", "llm"),
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *HTTPClient) ChatJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var content string
	err := resilience.Retry(ctx, "llm_chat", c.retry, func() error {
		out, err := c.breakers.Execute(breakerName, func() (any, error) {
			return c.call(ctx, systemPrompt, userPrompt)
		})
		if err != nil {
			return err
		}
		content = out.(string)
		return nil
	})
	return content, err
}

func (c *HTTPClient) call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    0,
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", resilience.NewError(resilience.KindLLM, "llm_call", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		callErr := fmt.Errorf("llm status %d: %s", resp.StatusCode, snippet)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", resilience.NewError(resilience.KindLLM, "llm_call", callErr)
		}
		return "", resilience.NewError(resilience.KindInternal, "llm_call", callErr)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", resilience.NewError(resilience.KindLLM, "llm_call", fmt.Errorf("decode chat response: %w", err))
	}
	if parsed.Error != nil {
		return "", resilience.NewError(resilience.KindLLM, "llm_call", fmt.Errorf("llm error: %s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return "", resilience.NewError(resilience.KindLLM, "llm_call", fmt.Errorf("empty choices in chat response"))
	}

	c.logger.Debug("LLM call completed",
		"model", c.cfg.Model,
		"prompt_tokens", parsed.Usage.PromptTokens,
		"completion_tokens", parsed.Usage.CompletionTokens)
	return parsed.Choices[0].Message.Content, nil
}
