package translate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bot-match/internal/cache"
	"bot-match/internal/metrics"

	openai "github.com/sashabaranov/go-openai"
)

// ErrDisabled is returned when no API key is configured.
var ErrDisabled = errors.New("translation disabled")

// Config holds translation service settings.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Target   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Result is a translated text with the detected source language code.
type Result struct {
	Text     string `json:"translated"`
	Language string `json:"language"`
}

// Client translates text through an OpenAI-compatible chat completion endpoint.
type Client struct {
	client   *openai.Client
	model    string
	target   string
	timeout  time.Duration
	cache    *cache.Redis
	cacheTTL time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func New(cfg Config, redis *cache.Redis, logger *slog.Logger, m *metrics.Metrics) *Client {
	c := &Client{
		model:    cfg.Model,
		target:   cfg.Target,
		timeout:  cfg.Timeout,
		cache:    redis,
		cacheTTL: cfg.CacheTTL,
		logger:   logger.With("component", "translator"),
		metrics:  m,
	}
	if c.model == "" {
		c.model = openai.GPT4oMini
	}
	if c.target == "" {
		c.target = "en"
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.APIKey) != "" {
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		c.client = openai.NewClientWithConfig(oc)
	}
	return c
}

func (c *Client) systemPrompt() string {
	return fmt.Sprintf(`You translate marketplace chat messages into the language with ISO 639-1 code %q.
Respond with a JSON object only: {"translated": "<translation>", "language": "<ISO 639-1 code of the source text>"}.
Keep numbers, prices, model names and phone numbers unchanged. If the text is already in the target language, return it as is.`, c.target)
}

// Translate returns text in the target language with its detected source language.
func (c *Client) Translate(ctx context.Context, text string) (Result, error) {
	if c.client == nil {
		return Result{}, ErrDisabled
	}

	key := c.cacheKey(text)
	var cached Result
	if ok, err := c.cache.GetJSON(ctx, key, &cached); err != nil {
		c.logger.Warn("read translation cache failed", "error", err)
	} else if ok {
		c.observe("cache_hit", time.Now())
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.systemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		c.observe("error", start)
		return Result{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		c.observe("error", start)
		return Result{}, errors.New("no response choices")
	}

	res, err := parseResult(resp.Choices[0].Message.Content)
	if err != nil {
		c.observe("error", start)
		return Result{}, err
	}
	c.observe("ok", start)

	if err := c.cache.SetJSON(ctx, key, res, c.cacheTTL); err != nil {
		c.logger.Warn("set translation cache failed", "error", err)
	}
	return res, nil
}

func parseResult(content string) (Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var res Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &res); err != nil {
		return Result{}, fmt.Errorf("decode translation: %w", err)
	}
	if strings.TrimSpace(res.Text) == "" {
		return Result{}, errors.New("decode translation: empty text")
	}
	res.Language = strings.ToLower(strings.TrimSpace(res.Language))
	if res.Language == "" {
		res.Language = "unknown"
	}
	return res, nil
}

func (c *Client) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("translate:%s:%s:%s", c.model, c.target, hex.EncodeToString(sum[:]))
}

func (c *Client) observe(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.TranslateRequests.WithLabelValues(status).Inc()
	if status != "cache_hit" {
		c.metrics.TranslateLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}
