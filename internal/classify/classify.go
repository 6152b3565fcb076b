package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bot-match/internal/metrics"
)

// Categories returned by the classifier.
const (
	Order = "order"
	Offer = "offer"
	Skip  = "skip"
)

// Decision sources.
const (
	SourceRemote   = "remote"
	SourceFallback = "fallback"
	SourceShort    = "short_text"
)

// ErrUnavailable indicates the classification service could not answer.
var ErrUnavailable = errors.New("classifier unavailable")

// Config holds classification service settings.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	MinConfidence float64
}

// Result is the category decided for one text.
type Result struct {
	Category   string
	Confidence float64
	Source     string
}

// Client asks the remote classification service and falls back to keywords.
type Client struct {
	baseURL       string
	timeout       time.Duration
	minConfidence float64
	http          *http.Client
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		timeout:       timeout,
		minConfidence: cfg.MinConfidence,
		http:          &http.Client{Timeout: timeout},
		logger:        logger.With("component", "classifier"),
		metrics:       m,
	}
}

// Classify resolves the category of text. Texts with fewer than two tokens are
// skipped without calling either classifier.
func (c *Client) Classify(ctx context.Context, text string) Result {
	if len(strings.Fields(text)) < 2 {
		return c.record(Result{Category: Skip, Source: SourceShort})
	}

	pred, err := c.predict(ctx, text)
	if err != nil {
		c.logger.Warn("classifier unavailable, using keyword fallback", "error", err)
		return c.record(Result{Category: Keywords(text), Source: SourceFallback})
	}

	res := Result{
		Category:   strings.ToLower(strings.TrimSpace(pred.Category)),
		Confidence: float64(pred.Confidence),
		Source:     SourceRemote,
	}
	if c.minConfidence > 0 && res.Confidence < c.minConfidence {
		c.logger.Info("classification below confidence floor", "category", res.Category, "confidence", res.Confidence)
		res.Category = Skip
	}
	return c.record(res)
}

func (c *Client) record(res Result) Result {
	if c.metrics != nil {
		c.metrics.ClassifierRequests.WithLabelValues(res.Source, res.Category).Inc()
	}
	return res
}

type predictRequest struct {
	Text string `json:"text"`
}

type predictResponse struct {
	Category   string     `json:"category"`
	Confidence confidence `json:"confidence"`
}

// confidence accepts a JSON number, a numeric string or null.
type confidence float64

func (c *confidence) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		*c = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("parse confidence %q: %w", raw, err)
	}
	*c = confidence(v)
	return nil
}

func (c *Client) predict(ctx context.Context, text string) (*predictResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: no service url", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(predictRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal predict request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe("error", start)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()
	c.observe(strconv.Itoa(res.StatusCode), start)

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var pred predictResponse
	if err := json.Unmarshal(body, &pred); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return &pred, nil
}

func (c *Client) observe(status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.ClassifierLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}
