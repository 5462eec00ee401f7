// Package ai sends prompts to the configured reasoning provider.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/bgdnvk/cloudsleuth/internal/config"
	"github.com/bgdnvk/cloudsleuth/internal/logging"
)

const (
	anthropicVersion = "2023-06-01"
	maxTokens        = 4000
	requestTimeout   = 3 * time.Minute
)

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

// Client is safe for concurrent use; specialists of one run share it.
type Client struct {
	provider string
	model    string
	apiKey   string
	baseURL  string
	http     *http.Client
	gemini   *genai.Client
	logger   *zap.Logger
}

// NewClient builds a client for cfg.Provider. It returns nil and no error
// when no provider is configured, which runs the engine offline.
func NewClient(ctx context.Context, cfg config.AI, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Provider) == "" {
		return nil, nil
	}
	p, ok := lookupProvider(cfg.Provider)
	if !ok {
		return nil, fmt.Errorf("unknown ai provider %q (known: %s)", cfg.Provider, strings.Join(providerNames(), ", "))
	}

	c := &Client{
		provider: p.name,
		model:    firstNonEmpty(cfg.Model, p.defaultModel),
		apiKey:   strings.TrimSpace(cfg.ResolveKey()),
		baseURL:  strings.TrimRight(firstNonEmpty(cfg.BaseURL, p.baseURL), "/"),
		http:     &http.Client{Timeout: requestTimeout},
		logger:   logging.OrNop(logger).Named("ai"),
	}

	switch p.protocol {
	case protocolGemini:
		gcfg := &genai.ClientConfig{}
		if c.apiKey != "" {
			// Without a key the client uses application default credentials.
			gcfg.APIKey = c.apiKey
			gcfg.Backend = genai.BackendGeminiAPI
		}
		gc, err := genai.NewClient(ctx, gcfg)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		c.gemini = gc
	default:
		if c.apiKey == "" {
			return nil, fmt.Errorf("%s api key not configured (set ai.api_key or ai.api_key_env)", p.name)
		}
	}
	c.logger.Debug("ai client ready", zap.String("provider", c.provider), zap.String("model", c.model))
	return c, nil
}

func (c *Client) Provider() string { return c.provider }

// AskPrompt sends a raw prompt and returns the text of the answer.
func (c *Client) AskPrompt(ctx context.Context, prompt string) (string, error) {
	prompt = sanitizeASCII(prompt)
	start := time.Now()
	var (
		out string
		err error
	)
	p, _ := lookupProvider(c.provider)
	switch p.protocol {
	case protocolAnthropic:
		out, err = c.askAnthropic(ctx, prompt)
	case protocolGemini:
		out, err = c.askGemini(ctx, prompt)
	default:
		out, err = c.askOpenAI(ctx, prompt)
	}
	c.logger.Debug("prompt answered",
		zap.String("provider", c.provider),
		zap.Int("prompt_bytes", len(prompt)),
		zap.Int("answer_bytes", len(out)),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	return out, err
}

func (c *Client) askOpenAI(ctx context.Context, prompt string) (string, error) {
	body, err := c.post(ctx, c.baseURL+"/chat/completions", openAIRequest{
		Model:       c.model,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
		Temperature: 0.1,
	}, map[string]string{"Authorization": "Bearer " + c.apiKey})
	if err != nil {
		return "", err
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from %s", c.provider)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) askAnthropic(ctx context.Context, prompt string) (string, error) {
	model := c.model
	if model == "" {
		latest, err := c.latestAnthropicModel(ctx)
		if err != nil {
			return "", err
		}
		model = latest
	}

	body, err := c.post(ctx, c.baseURL+"/messages", anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: 0.1,
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: []map[string]any{{"type": "text", "text": prompt}},
		}},
	}, map[string]string{"x-api-key": c.apiKey, "anthropic-version": anthropicVersion})
	if err != nil {
		return "", err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	for _, part := range resp.Content {
		if strings.TrimSpace(part.Text) != "" {
			return part.Text, nil
		}
	}
	return "", fmt.Errorf("no response content from %s", c.provider)
}

func (c *Client) latestAnthropicModel(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create models request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	body, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("list models: %w", err)
	}
	var parsed anthropicModelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to unmarshal models response: %w", err)
	}
	// Newest models are listed first.
	for _, m := range parsed.Data {
		if id := strings.TrimSpace(m.ID); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("no models returned by %s", c.provider)
}

func (c *Client) askGemini(ctx context.Context, prompt string) (string, error) {
	if c.gemini == nil {
		return "", fmt.Errorf("gemini client not initialized")
	}
	content := genai.NewContentFromText(prompt, genai.RoleUser)
	resp, err := c.gemini.Models.GenerateContent(ctx, c.model, []*genai.Content{content}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate content with Gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no response candidates from Gemini")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), nil
}

func (c *Client) post(ctx context.Context, url string, payload any, headers map[string]string) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s request failed with status %d: %s", c.provider, resp.StatusCode, truncate(string(body), 500))
	}
	return body, nil
}

// sanitizeASCII replaces characters some provider setups reject.
func sanitizeASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t' || (r >= 32 && r < 127):
			b.WriteRune(r)
		case r == '‘' || r == '’':
			b.WriteByte('\'')
		case r == '“' || r == '”':
			b.WriteByte('"')
		case r == '–' || r == '—':
			b.WriteByte('-')
		default:
			b.WriteByte('?')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
