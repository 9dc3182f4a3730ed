// Package openai classifies articles with an OpenAI-compatible chat completions
// endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bryan-buckman/curator/internal/model"
	"github.com/bryan-buckman/curator/internal/textutil"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-3.5-turbo"
)

const systemPrompt = "You are an AI content analyzer. Respond with 'true' if the article is about artificial intelligence, machine learning, or related technologies, and 'false' otherwise. Only respond with true or false."

// ErrNoAPIKey is returned by New when no key is configured.
var ErrNoAPIKey = errors.New("openai: api key is required")

// Client is a chat completions classifier.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another OpenAI-compatible server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithModel overrides the model name.
func WithModel(m string) Option {
	return func(c *Client) {
		if m != "" {
			c.model = m
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	c := &Client{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Classify reports whether the article is about AI. The configured inference
// settings are ignored; this provider uses its own fixed prompt.
func (c *Client) Classify(ctx context.Context, title, content string, _ model.OllamaSettings) (bool, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Title: %s\n\nContent: %s", title, textutil.ForPrompt(content))},
		},
		Temperature: 0.1,
		MaxTokens:   5,
	})
	if err != nil {
		return false, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("call openai: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read openai response: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return false, fmt.Errorf("parse openai response (status %d): %w", resp.StatusCode, err)
	}
	if out.Error != nil {
		return false, fmt.Errorf("openai: %s", out.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("openai returned status %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return false, nil
	}
	positive := strings.ToLower(strings.TrimSpace(out.Choices[0].Message.Content)) == "true"
	c.logger.Debug("classified article", "title", title, "ai", positive, "provider", "openai")
	return positive, nil
}
