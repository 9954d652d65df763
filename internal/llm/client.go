package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"jobtrail/pkg/config"
	"jobtrail/pkg/trace"
	"jobtrail/pkg/util"
)

const (
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-3.5-turbo"
	retryBase      = 500 * time.Millisecond
)

// ErrEmptyResponse 模型返回了 200 但没有内容
var ErrEmptyResponse = errors.New("llm: empty completion")

// ProviderError is a non-200 response from the completion endpoint.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llm provider error %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("llm provider error %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus lets util.IsRetryableError classify the failure.
func (e *ProviderError) HTTPStatus() int {
	return e.StatusCode
}

func (e *ProviderError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Client talks to an OpenAI-compatible /v1/chat/completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	retryBase  time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient returns nil when no API key is configured.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	if cfg.APIKey == "" {
		return nil
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      model,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one system instruction and one user message and returns the
// trimmed reply. Retryable failures (429, 5xx, network) are retried with
// exponential backoff, at most maxRetries attempts in total.
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var reply string
	attempt := 0
	err = util.Retry(ctx, c.maxRetries, c.retryBase, func(ctx context.Context) error {
		attempt++
		out, err := c.do(ctx, body)
		if err != nil {
			retryable, errType := util.IsRetryableError(err)
			c.logger.Debug("LLM call failed",
				zap.Int("attempt", attempt),
				zap.Bool("retryable", retryable),
				zap.String("error_type", errType),
				zap.Error(err),
			)
			return err
		}
		reply = out
		return nil
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (c *Client) do(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if runID := trace.FromContext(ctx); runID != "" {
		req.Header.Set(trace.HeaderName, runID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		perr := &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Error.Message != "" {
			perr.Message = er.Error.Message
			perr.Type = er.Error.Type
		}
		return "", perr
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}
