// Package llm wraps the language-model provider used to draft, verify and
// review sections. Every collaborator degrades to a deterministic local
// behavior when no client is configured.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// ModelTier selects a model by capability.
type ModelTier string

const (
	TierLite     ModelTier = "lite"
	TierStandard ModelTier = "standard"
	TierAdvanced ModelTier = "advanced"
)

// Client is an abstraction over model providers.
type Client interface {
	GenerateContent(ctx context.Context, prompt string, tier ModelTier) (string, error)
	GenerateJSON(ctx context.Context, prompt string, tier ModelTier) (string, error)
	Close() error
}

// Models maps tiers to provider model names.
type Models map[ModelTier]string

// DefaultModels returns the Gemini models used per tier.
func DefaultModels() Models {
	return Models{
		TierLite:     "gemini-2.5-flash-lite",
		TierStandard: "gemini-2.5-flash",
		TierAdvanced: "gemini-2.5-pro",
	}
}

// Get returns the model for a tier, falling back to the standard tier.
func (m Models) Get(tier ModelTier) string {
	if name, ok := m[tier]; ok && name != "" {
		return name
	}
	return m[TierStandard]
}

// GeminiClient implements Client for Google Gemini.
type GeminiClient struct {
	client *genai.Client
	models Models
}

// NewGeminiClient creates a Gemini client. An API key is required.
func NewGeminiClient(ctx context.Context, apiKey string, models Models) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if models == nil {
		models = DefaultModels()
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, models: models}, nil
}

// GenerateContent returns free-form text.
func (c *GeminiClient) GenerateContent(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	model, err := c.model(tier)
	if err != nil {
		return "", err
	}
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return responseText(resp)
}

// GenerateJSON asks for a JSON response and strips code fences.
func (c *GeminiClient) GenerateJSON(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	model, err := c.model(tier)
	if err != nil {
		return "", err
	}
	model.ResponseMIMEType = "application/json"
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generate json: %w", err)
	}
	text, err := responseText(resp)
	if err != nil {
		return "", err
	}
	return CleanJSONBlock(text), nil
}

// Close releases the underlying client.
func (c *GeminiClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *GeminiClient) model(tier ModelTier) (*genai.GenerativeModel, error) {
	name := c.models.Get(tier)
	if name == "" {
		return nil, fmt.Errorf("no model configured for tier %s", tier)
	}
	model := c.client.GenerativeModel(name)
	model.SetTemperature(0.2)
	return model, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return b.String(), nil
}

// CleanJSONBlock removes markdown code fences around a JSON payload.
func CleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// Limiter blocks until a call is permitted.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

type throttledClient struct {
	Client
	limiter Limiter
	key     string
}

// Throttle gates every generation call on the limiter, sharing a budget
// across workers through key.
func Throttle(c Client, limiter Limiter, key string) Client {
	if c == nil || limiter == nil {
		return c
	}
	return &throttledClient{Client: c, limiter: limiter, key: key}
}

func (t *throttledClient) GenerateContent(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	if err := t.limiter.Wait(ctx, t.key); err != nil {
		return "", fmt.Errorf("model rate limit: %w", err)
	}
	return t.Client.GenerateContent(ctx, prompt, tier)
}

func (t *throttledClient) GenerateJSON(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	if err := t.limiter.Wait(ctx, t.key); err != nil {
		return "", fmt.Errorf("model rate limit: %w", err)
	}
	return t.Client.GenerateJSON(ctx, prompt, tier)
}
