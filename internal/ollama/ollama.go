// Package ollama is a client for the Ollama generate endpoint. It classifies
// articles, drafts LinkedIn posts and answers refinement chat messages.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bryan-buckman/curator/internal/model"
	"github.com/bryan-buckman/curator/internal/textutil"
)

// DefaultBaseURL is the address of a local Ollama server.
const DefaultBaseURL = "http://localhost:11434"

// Client talks to an Ollama server.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http = &http.Client{Timeout: d}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Generate sends a single non-streaming prompt and returns the raw response text.
func (c *Client) Generate(ctx context.Context, settings model.OllamaSettings, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  settings.Model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: settings.Temperature,
			NumPredict:  settings.MaxTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call ollama: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, textutil.Truncate(string(data), 200))
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parse ollama response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	return out.Response, nil
}

// Classify asks whether an article is about AI. Only a response of exactly
// "true" (ignoring case and surrounding space) counts as positive; on error the
// answer is false.
func (c *Client) Classify(ctx context.Context, title, content string, settings model.OllamaSettings) (bool, error) {
	prompt := articlePrompt(settings.Prompt, title, content)
	resp, err := c.Generate(ctx, settings, prompt)
	if err != nil {
		return false, fmt.Errorf("classify %q: %w", title, err)
	}
	positive := strings.ToLower(strings.TrimSpace(resp)) == "true"
	c.logger.Debug("classified article", "title", title, "ai", positive)
	return positive, nil
}

// GeneratePost drafts a LinkedIn post about an article.
func (c *Client) GeneratePost(ctx context.Context, title, content string, settings model.OllamaSettings, params model.PostParams) (string, error) {
	resp, err := c.Generate(ctx, settings, articlePrompt(PostPrompt(params), title, content))
	if err != nil {
		return "", fmt.Errorf("generate post: %w", err)
	}
	return strings.TrimSpace(resp), nil
}

// Chat answers a refinement request about the current post text.
func (c *Client) Chat(ctx context.Context, message, post string, settings model.OllamaSettings) (string, error) {
	prompt := fmt.Sprintf(`You are a professional LinkedIn content expert. Help the user optimize and refine their LinkedIn post.
Current post content:
%s

User message:
%s

Please provide specific, actionable advice to improve the post while maintaining its core message and professional tone.`, post, message)

	resp, err := c.Generate(ctx, settings, prompt)
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	return strings.TrimSpace(resp), nil
}

func articlePrompt(instructions, title, content string) string {
	return fmt.Sprintf("%s\n\nTitle: %s\n\nContent: %s", instructions, title, textutil.ForPrompt(content))
}

// PostPrompt builds the post-writing instructions for params.
func PostPrompt(p model.PostParams) string {
	var b strings.Builder
	b.WriteString("You are a professional social media expert. Create an engaging LinkedIn post about the following article.\n\n")
	b.WriteString("Guidelines:\n")
	fmt.Fprintf(&b, "- Tone: %s\n", p.Tone)
	fmt.Fprintf(&b, "- Target Audience: %s\n", p.Audience)
	fmt.Fprintf(&b, "- Industry Focus: %s\n", p.Industry)
	fmt.Fprintf(&b, "- Key Message to Emphasize: %s\n", p.KeyMessage)
	if p.IncludeHashtags {
		b.WriteString("- Include 3-5 relevant hashtags\n")
	} else {
		b.WriteString("- Do not include hashtags\n")
	}
	if p.IncludeCallToAction {
		b.WriteString("- Include a clear call-to-action\n")
	} else {
		b.WriteString("- No call-to-action needed\n")
	}
	b.WriteString("\nAdditional Requirements:\n")
	b.WriteString("- Keep it under 3000 characters\n")
	b.WriteString("- Use professional language\n")
	b.WriteString("- Format with appropriate line breaks\n")
	b.WriteString("- Focus on value and insights\n")
	b.WriteString("- Encourage engagement and discussion\n")
	switch p.Tone {
	case model.ToneStorytelling:
		b.WriteString("- Start with a compelling hook or personal anecdote\n")
	case model.ToneTechnical:
		b.WriteString("- Include specific technical details and data points\n")
	}
	b.WriteString("\nPlease write a LinkedIn post about this article:")
	return b.String()
}
